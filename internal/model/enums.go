package model

type ModalKind string

const (
	ModalNone       ModalKind = ""
	ModalLogin      ModalKind = "login"
	ModalCreatePair ModalKind = "create_pair"
	ModalFindPair   ModalKind = "find_pair"
)

func (k ModalKind) Valid() bool {
	switch k {
	case ModalLogin, ModalCreatePair, ModalFindPair:
		return true
	}
	return false
}

type PairingState string

const (
	PairingStateIdle                 PairingState = "idle"
	PairingStateAwaitingCreatorInput PairingState = "awaiting_creator_input"
	PairingStateCodeGenerated        PairingState = "code_generated"
	PairingStateAwaitingJoinerInput  PairingState = "awaiting_joiner_input"
	PairingStatePaired               PairingState = "paired"
)

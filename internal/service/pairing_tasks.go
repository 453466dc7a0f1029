package service

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/MikeHonkers/mementonos/internal/events"
	"github.com/MikeHonkers/mementonos/internal/model"
	"github.com/MikeHonkers/mementonos/internal/observability/metrics"
	"github.com/MikeHonkers/mementonos/internal/util"
)

// startTasks launches the countdown ticker and the session poller for one
// generated code. Both carry gen and exit on their own once a newer code
// supersedes it.
func (s *PairingService) startTasks(sess *ClientSession, gen uint64) {
	tasks := []struct {
		name string
		run  func(context.Context, *ClientSession, uint64)
	}{
		{"countdown", s.runCountdown},
		{"poller", s.runPoller},
	}

	for _, task := range tasks {
		s.wg.Add(1)
		sess.taskStarted()
		go func() {
			defer s.wg.Done()
			defer sess.taskDone()
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Interface("panic", r).
						Str("task", task.name).
						Msg("pairing task crashed")
					s.stopPolling(sess, gen)
				}
			}()
			task.run(s.ctx, sess, gen)
		}()
	}
}

func (s *PairingService) runCountdown(ctx context.Context, sess *ClientSession, gen uint64) {
	clientToken := sess.Token()

	for {
		if !s.probe.IsAlive(clientToken) {
			log.Debug().Msg("countdown stopped, client gone")
			return
		}

		left, running := 0, false
		sess.Update(func(st *SessionState) {
			if st.TimerGen != gen || st.TimeLeft <= 0 {
				return
			}
			st.TimeLeft--
			left, running = st.TimeLeft, true
		})
		if !running {
			return
		}

		s.publish(ctx, clientToken, events.TypeCountdown, map[string]any{
			"timeLeft":    left,
			"timeLeftStr": FormatTimeLeft(left),
		})

		if !sleepCtx(ctx, s.cfg.TickInterval) {
			return
		}
	}
}

func (s *PairingService) runPoller(ctx context.Context, sess *ClientSession, gen uint64) {
	clientToken := sess.Token()

	for {
		if !sleepCtx(ctx, s.cfg.PollInterval) {
			return
		}

		if !s.probe.IsAlive(clientToken) {
			log.Debug().Msg("poller stopped, client gone")
			s.stopPolling(sess, gen)
			return
		}

		var nick string
		active := false
		sess.View(func(st SessionState) {
			active = st.PollingActive && st.TimerGen == gen && st.GeneratedCode != ""
			nick = st.Username
		})
		if !active {
			return
		}

		user, err := s.lookupCreator(ctx, nick)
		if err != nil {
			log.Error().Err(err).Str("nick", nick).Msg("poller lookup failed")
			s.stopPolling(sess, gen)
			return
		}
		if user == nil || user.PairID == nil {
			continue
		}

		s.completeCreator(ctx, sess, gen, user)
		return
	}
}

func (s *PairingService) lookupCreator(ctx context.Context, nick string) (*model.User, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PollTimeout)
	defer cancel()
	return s.store.FindUserByNick(ctx, nick)
}

// completeCreator signs the creator in once the partner's join is visible.
// The token is parked on the session for the next HTTP response to set.
func (s *PairingService) completeCreator(ctx context.Context, sess *ClientSession, gen uint64, user *model.User) {
	// Another browser may hold a code for the same nickname. Only the invite
	// whose hash was written to the row signs this session in.
	foreign := false
	sess.Update(func(st *SessionState) {
		if st.TimerGen != gen || !st.PollingActive {
			return
		}
		if !util.ConstantTimeEqual(st.CreatorHash, user.HashedPassword) {
			s.clearForm(st)
			st.Error = msgNicknameTaken
			foreign = true
		}
	})
	if foreign {
		log.Warn().
			Int64("userId", user.ID).
			Msg("nickname paired through another invite, creator not signed in")
		return
	}

	tok, exp, err := s.tokens.Issue(user.ID, user.PairID)
	if err != nil {
		log.Error().Err(err).Int64("userId", user.ID).Msg("failed to issue creator token")
		s.stopPolling(sess, gen)
		return
	}

	applied := false
	sess.Update(func(st *SessionState) {
		if st.TimerGen != gen || !st.PollingActive || !util.ConstantTimeEqual(st.CreatorHash, user.HashedPassword) {
			return
		}
		userID := user.ID
		st.PendingToken = tok
		st.PendingExpiry = exp
		st.Authenticated = true
		st.UserID = &userID
		st.PairID = user.PairID
		st.PollingActive = false
		st.GeneratedCode = ""
		st.CreatorHash = ""
		st.Username = ""
		st.TimeLeft = 0
		st.Modal = model.ModalNone
		st.ModalVisible = false
		st.Error = ""
		st.Redirect = feedPath
		applied = true
	})
	if !applied {
		return
	}

	metrics.PollerDetectionsTotal.Inc()
	metrics.TokensIssuedTotal.WithLabelValues("poller").Inc()

	s.publish(ctx, sess.Token(), events.TypePaired, map[string]any{
		"userId":   user.ID,
		"pairId":   *user.PairID,
		"redirect": feedPath,
	})

	log.Info().
		Int64("userId", user.ID).
		Int64("pairId", *user.PairID).
		Msg("partner joined, creator signed in")
}

func (s *PairingService) stopPolling(sess *ClientSession, gen uint64) {
	sess.Update(func(st *SessionState) {
		if st.TimerGen == gen {
			st.PollingActive = false
		}
	})
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

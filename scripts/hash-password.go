package main

import (
	"fmt"
	"os"

	"github.com/MikeHonkers/mementonos/internal/util"
)

// Prints both stored password formats, for seeding users by hand.
func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: go run scripts/hash-password.go <password>\n")
		os.Exit(1)
	}

	password := os.Args[1]
	bcryptHash, err := util.HashPasswordBcrypt(password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("sha256: %s\n", util.HashPassword(password))
	fmt.Printf("bcrypt: %s\n", bcryptHash)
}

package main

import (
	"fmt"
	"os"

	"golang.org/x/crypto/bcrypt"

	"github.com/salescrm/pairing-server/internal/util"
)

// Prints a bcrypt hash suitable for API_TOKEN_HASH. Without an argument a
// fresh token is generated and printed first.
func main() {
	var token string
	switch len(os.Args) {
	case 1:
		generated, err := util.GenerateToken()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		token = generated
		fmt.Printf("token: %s\n", token)
	case 2:
		token = os.Args[1]
	default:
		fmt.Fprintf(os.Stderr, "Usage: go run scripts/hash-password.go [token]\n")
		os.Exit(1)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(token), 12)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(string(hash))
}

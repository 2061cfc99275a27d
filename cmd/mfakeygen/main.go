package main

import (
	"fmt"
	"log"

	"github.com/dmitrymomot/mfakit/pkg/cipher"
)

func main() {
	// Generate a base64-encoded master key for environment variables
	encodedKey, err := cipher.GenerateEncodedKey()
	if err != nil {
		log.Fatalf("Failed to generate encryption key: %v", err)
	}

	fmt.Printf("Generated Encryption Key (for MFA_ENCRYPTION_KEY env var): \n———\n%s\n———\n", encodedKey)
}

// Package main prints the argon2id hash of an admin token.
//
// Usage:
//	go run ./cmd/hash-token <token>
//	go run ./cmd/hash-token -check <hash> <token>
//
// Put the printed value in .env as ADMIN_TOKEN_HASH.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/PancyStudios/DiggerBotGo/pkg/web"
)

func main() {
	check := flag.String("check", "", "Verify the token against this hash instead of hashing it")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Println("Uso: hash-token [-check <hash>] <token>")
		os.Exit(1)
	}
	token := flag.Arg(0)

	if *check != "" {
		if !web.VerifyToken(token, *check) {
			fmt.Println("❌ El token no coincide con el hash")
			os.Exit(1)
		}
		fmt.Println("✅ El token coincide con el hash")
		return
	}

	hash, err := web.HashToken(token)
	if err != nil {
		fmt.Printf("Error generando el hash: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Hash del token (pégalo en .env como ADMIN_TOKEN_HASH):")
	fmt.Println(hash)
}

package main

import (
	"github.com/MeKo-Tech/docsort/cmd/docsort/cmd"
	"github.com/joho/godotenv"
)

func main() {
	// Secrets such as DOCSORT_OCR_AZURE_KEY may live in a local .env file
	_ = godotenv.Load()
	cmd.Execute()
}

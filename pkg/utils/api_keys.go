package utils

import (
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const apiKeyAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// NewAPIKey mints a key of the form pp_<32 alphanumerics>. The prefix makes
// leaked keys recognizable in logs and scanners.
func NewAPIKey() (string, error) {
	body, err := gonanoid.Generate(apiKeyAlphabet, 32)
	if err != nil {
		return "", err
	}
	return "pp_" + body, nil
}

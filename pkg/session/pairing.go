// Copyright 2024-2026 Aiku AI

package session

import (
	"encoding/base64"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

// qrImageSize is the pixel size of rendered pairing QR images.
const qrImageSize = 256

// renderPairingArtifact encodes a one-time pairing token as a QR PNG data
// URL, the shape web clients expect to drop straight into an <img> tag.
func renderPairingArtifact(token string) (string, error) {
	png, err := qrcode.Encode(token, qrcode.Medium, qrImageSize)
	if err != nil {
		return "", fmt.Errorf("failed to encode pairing token: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

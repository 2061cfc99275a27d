package otp

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"

	skipqrcode "github.com/skip2/go-qrcode"
)

// defaultQRSize is the QR code edge length in pixels when none is specified.
const defaultQRSize = 256

// Params describes the provisioning data encoded into an otpauth:// URI.
type Params struct {
	Secret      string // Base32-encoded TOTP secret (required)
	AccountName string // User identifier like email (required)
	Issuer      string // Service name shown in authenticator apps (required)
}

// Validate ensures all required provisioning parameters are present and the
// secret is well formed.
func (p Params) Validate() error {
	if p.Secret == "" {
		return ErrMissingSecret
	}
	if _, err := decodeSecret(p.Secret); err != nil {
		return ErrInvalidSecret
	}
	if p.AccountName == "" {
		return ErrMissingAccountName
	}
	if p.Issuer == "" {
		return ErrMissingIssuer
	}
	return nil
}

// URI builds a Key-Uri-Format provisioning URI for authenticator apps:
// https://github.com/google/google-authenticator/wiki/Key-Uri-Format
func URI(params Params) (string, error) {
	if err := params.Validate(); err != nil {
		return "", err
	}

	label := fmt.Sprintf("%s:%s",
		url.PathEscape(params.Issuer),
		url.PathEscape(params.AccountName),
	)

	query := url.Values{}
	query.Set("secret", params.Secret)
	query.Set("issuer", params.Issuer)
	query.Set("algorithm", "SHA1")
	query.Set("digits", fmt.Sprintf("%d", Digits))
	query.Set("period", fmt.Sprintf("%d", Period))

	return fmt.Sprintf("otpauth://totp/%s?%s", label, query.Encode()), nil
}

// QRCode renders the provisioning URI as a PNG image.
func QRCode(params Params, size int) ([]byte, error) {
	uri, err := URI(params)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		size = defaultQRSize
	}
	png, err := skipqrcode.Encode(uri, skipqrcode.Medium, size)
	if err != nil {
		return nil, errors.Join(ErrFailedToGenerateQRCode, err)
	}
	return png, nil
}

// QRCodeBase64Image renders the provisioning URI as a data-URI string that
// can be embedded directly into an <img> tag.
func QRCodeBase64Image(params Params, size int) (string, error) {
	png, err := QRCode(params, size)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("data:image/png;base64,%s", base64.StdEncoding.EncodeToString(png)), nil
}

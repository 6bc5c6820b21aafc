package whatsbridge

import (
	"encoding/base64"
	"io"

	"github.com/mdp/qrterminal/v3"
	qrcode "github.com/skip2/go-qrcode"
)

// qrImageSize matches the 280px rendering the CRM panel expects.
const qrImageSize = 280

// EncodeQRDataURL renders an opaque pairing string as a PNG data URL suitable
// for an <img> tag. The string itself is never interpreted.
func EncodeQRDataURL(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, qrImageSize)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// PrintTerminalQR renders the pairing string as a half-block QR code, for
// operators running the bridge without the CRM UI attached.
func PrintTerminalQR(code string, w io.Writer) {
	qrterminal.GenerateHalfBlock(code, qrterminal.L, w)
}

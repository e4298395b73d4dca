// Package qr encodes and decodes QR code images
package qr

import (
	"errors"
	"fmt"

	"github.com/cuongbtq/pixelhive/internal/job"
	"github.com/cuongbtq/pixelhive/internal/transform/imaging"
	"github.com/makiuchi-d/gozxing"
	zxingqr "github.com/makiuchi-d/gozxing/qrcode"
	goqrcode "github.com/skip2/go-qrcode"
)

// DefaultSize is the edge length of generated QR images in pixels
const DefaultSize = 300

// ErrNoQRCode is returned when an image holds no readable QR code
var ErrNoQRCode = errors.New("no QR code detected")

// Codec generates PNG QR codes and reads them back
type Codec struct {
	size  int
	level goqrcode.RecoveryLevel
}

func NewCodec() *Codec {
	return &Codec{size: DefaultSize, level: goqrcode.Medium}
}

// EncodeQR returns a PNG QR code for data
func (c *Codec) EncodeQR(data string) ([]byte, error) {
	if len(data) > job.MaxQRDataBytes {
		return nil, job.Validationf("QR data is %d bytes, limit is %d", len(data), job.MaxQRDataBytes)
	}
	png, err := goqrcode.Encode(data, c.level, c.size)
	if err != nil {
		// data that doesn't fit at this recovery level
		return nil, job.Validation(fmt.Errorf("failed to encode QR code: %w", err))
	}
	return png, nil
}

// DecodeQR reads the QR code in the image at path
func (c *Codec) DecodeQR(path string) (string, error) {
	img, err := imaging.Load(path)
	if err != nil {
		return "", err
	}

	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return "", job.Permanent(fmt.Errorf("failed to read image: %w", err))
	}

	hints := map[gozxing.DecodeHintType]interface{}{
		gozxing.DecodeHintType_TRY_HARDER: true,
	}
	result, err := zxingqr.NewQRCodeReader().Decode(bmp, hints)
	if err != nil {
		return "", job.Permanent(fmt.Errorf("%w: %v", ErrNoQRCode, err))
	}
	if result.GetText() == "" {
		return "", job.Permanent(ErrNoQRCode)
	}
	return result.GetText(), nil
}

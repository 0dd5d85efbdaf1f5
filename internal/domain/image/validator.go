package image

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"slices"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"dyzen-server-go/internal/platform/config"
	"dyzen-server-go/internal/utils"
)

// Rejection reasons reported in ValidationResult.SecurityRisk.
const (
	RiskEncoding   = "invalid base64 encoding"
	RiskTooLarge   = "file too large"
	RiskFormat     = "unapproved format"
	RiskCorrupt    = "corrupted image data"
	RiskDimensions = "dimensions too large"
	RiskPixels     = "pixel count too high"
	RiskSuspicious = "suspicious content"
)

// SecurityValidator checks uploads before any full decode: size, declared
// format, header-only decode against the dimension limits, then an optional
// scan for payloads that are not images at all.
type SecurityValidator struct {
	config *config.SecurityConfig
	logger *utils.Logger
}

func NewSecurityValidator(config *config.SecurityConfig, logger *utils.Logger) *SecurityValidator {
	return &SecurityValidator{config: config, logger: logger}
}

// magic numbers of the accepted containers, keyed by declared format
var magic = map[string][]byte{
	"jpeg": {0xFF, 0xD8},
	"jpg":  {0xFF, 0xD8},
	"png":  {0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A},
	"gif":  []byte("GIF8"),
	"webp": []byte("RIFF"),
	"bmp":  []byte("BM"),
}

// foreign marks payloads that are executables, documents or archives.
var foreign = []struct {
	name   string
	prefix []byte
}{
	{"pe executable", []byte("MZ")},
	{"pdf", []byte("%PDF")},
	{"zip", []byte{'P', 'K', 0x03, 0x04}},
	{"gzip", []byte{0x1F, 0x8B, 0x08}},
}

var svgTokens = []string{
	"<script", "javascript:", "vbscript:", "onload=", "onerror=", "eval(",
	"document.cookie", "window.location", "<iframe", "<object", "<embed",
}

func reject(risk string, format string, args ...any) ValidationResult {
	return ValidationResult{SecurityRisk: risk, Error: fmt.Errorf(format, args...)}
}

// ValidateBase64 accepts plain base64 or a browser data URL
// ("data:image/png;base64,..."), whose media type becomes the declared format
// when data.Format is empty. The decoded bytes are returned alongside.
func (v *SecurityValidator) ValidateBase64(data ImageData) (ValidationResult, []byte) {
	payload, declared := strings.TrimSpace(data.Data), data.Format

	if rest, ok := strings.CutPrefix(payload, "data:"); ok {
		header, body, found := strings.Cut(rest, ",")
		if !found {
			return reject(RiskEncoding, "malformed data url"), nil
		}
		payload = body
		if declared == "" {
			mediaType, _, _ := strings.Cut(header, ";")
			declared = strings.TrimPrefix(mediaType, "image/")
		}
	}
	if payload == "" {
		return ValidationResult{Error: fmt.Errorf("missing image payload")}, nil
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return reject(RiskEncoding, "decode base64: %w", err), nil
	}
	return v.ValidateBytes(raw, declared), raw
}

// ValidateBytes validates raw image bytes against the configured limits.
func (v *SecurityValidator) ValidateBytes(raw []byte, declared string) ValidationResult {
	declared = strings.ToLower(strings.TrimSpace(declared))
	size := int64(len(raw))

	switch {
	case size == 0:
		return ValidationResult{Error: fmt.Errorf("empty image payload")}
	case size > v.config.MaxFileSize:
		v.logger.WarnTag("IMAGE", "oversized image rejected: %d > %d bytes (%s)", size, v.config.MaxFileSize, declared)
		return reject(RiskTooLarge, "file size %d exceeds limit of %d bytes", size, v.config.MaxFileSize)
	case !v.allowed(declared):
		return reject(RiskFormat, "unsupported format: %s", declared)
	}

	hdr, format, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		if declared != "" && !hasMagic(raw, declared) {
			v.logger.WarnTag("IMAGE", "signature mismatch: declared %s, header %x", declared, raw[:min(len(raw), 16)])
		}
		return reject(RiskCorrupt, "decode image config: %w", err)
	}

	if hdr.Width > v.config.MaxWidth || hdr.Height > v.config.MaxHeight {
		return reject(RiskDimensions, "dimensions %dx%d exceed %dx%d",
			hdr.Width, hdr.Height, v.config.MaxWidth, v.config.MaxHeight)
	}
	if pixels := int64(hdr.Width) * int64(hdr.Height); pixels > v.config.MaxPixels {
		return reject(RiskPixels, "pixel count %d exceeds %d", pixels, v.config.MaxPixels)
	}
	if v.config.EnableDeepScan {
		if what, bad := v.suspicious(raw); bad {
			v.logger.WarnTag("IMAGE", "suspicious payload rejected: %s", what)
			return reject(RiskSuspicious, "potential malicious content detected (%s)", what)
		}
	}

	v.logger.DebugTag("IMAGE", "validated %s %dx%d %d bytes", format, hdr.Width, hdr.Height, size)
	return ValidationResult{
		IsValid:  true,
		Format:   format,
		Width:    hdr.Width,
		Height:   hdr.Height,
		FileSize: size,
	}
}

func (v *SecurityValidator) allowed(format string) bool {
	if format == "" || v.config == nil || len(v.config.AllowedFormats) == 0 {
		return true
	}
	return slices.ContainsFunc(v.config.AllowedFormats, func(f string) bool {
		return strings.EqualFold(f, format)
	})
}

func hasMagic(raw []byte, format string) bool {
	sig, ok := magic[format]
	return !ok || bytes.HasPrefix(raw, sig)
}

// suspicious reports what foreign content raw carries, if any.
func (v *SecurityValidator) suspicious(raw []byte) (string, bool) {
	for _, f := range foreign {
		if bytes.HasPrefix(raw, f.prefix) {
			return f.name, true
		}
	}
	lowered := strings.ToLower(string(raw))
	if !strings.Contains(lowered, "<svg") {
		return "", false
	}
	for _, token := range svgTokens {
		if strings.Contains(lowered, token) {
			return "svg " + token, true
		}
	}
	return "", false
}

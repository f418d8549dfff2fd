package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"

	logs "github.com/danmuck/evmesh/internal/logging"
	"github.com/danmuck/evmesh/internal/protocol/frame"
)

// CodecConfig bounds binary frames and selects when compact bodies are
// compressed.
type CodecConfig struct {
	MaxFrameBytes uint64
	// CompressThreshold is the TLV body size above which compact frames are
	// snappy-compressed. Zero disables compression.
	CompressThreshold int
}

func DefaultCodecConfig() CodecConfig {
	return CodecConfig{
		MaxFrameBytes:     frame.DefaultLimits().MaxPayloadBytes,
		CompressThreshold: 512,
	}
}

func (c CodecConfig) WithDefaults() CodecConfig {
	def := DefaultCodecConfig()
	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = def.MaxFrameBytes
	}
	if c.CompressThreshold < 0 {
		c.CompressThreshold = 0
	}
	return c
}

// Codec encodes and decodes envelopes in all three formats. It is safe for
// concurrent use.
type Codec struct {
	cfg CodecConfig
}

func NewCodec(cfg CodecConfig) *Codec {
	return &Codec{cfg: cfg.WithDefaults()}
}

var defaultCodec = NewCodec(DefaultCodecConfig())

func Encode(env Envelope) ([]byte, error) {
	return defaultCodec.Encode(env)
}

func Decode(raw []byte) (Envelope, error) {
	return defaultCodec.Decode(raw)
}

func (c *Codec) limits() frame.Limits {
	return frame.Limits{MaxPayloadBytes: c.cfg.MaxFrameBytes}
}

// Encode serializes env in env.Format.
func (c *Codec) Encode(env Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	var (
		out []byte
		err error
	)
	switch env.Format {
	case FormatText:
		out, err = encodeText(env)
	case FormatHybrid:
		out, err = c.encodeBinary(env, false)
	case FormatCompact:
		out, err = c.encodeBinary(env, true)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownFormat, uint8(env.Format))
	}
	if err != nil {
		logs.Debugf("protocol.Codec.Encode failed kind=%s format=%s request_id=%q err=%v", env.Kind, env.Format, env.RequestID, err)
		return nil, err
	}
	return out, nil
}

// Decode classifies raw and decodes it. Failures are *DecodeError values.
func (c *Codec) Decode(raw []byte) (Envelope, error) {
	format, err := Detect(raw)
	if err != nil {
		return Envelope{}, formationError(FormatText, 0, "", err)
	}
	var env Envelope
	if format == FormatText {
		env, err = decodeText(raw)
	} else {
		env, err = c.decodeBinary(raw)
	}
	if err != nil {
		logs.Debugf("protocol.Codec.Decode failed format=%s bytes=%d err=%v", format, len(raw), err)
		return Envelope{}, err
	}
	return env, nil
}

// Detect classifies raw by its first bytes: a JSON array is text, the frame
// magic is hybrid or compact depending on the header flags.
func Detect(raw []byte) (Format, error) {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 {
		return 0, ErrEmptyFrame
	}
	if trimmed[0] == '[' {
		return FormatText, nil
	}
	if frame.HasMagic(raw) {
		if len(raw) < int(frame.FixedHeaderLen) {
			return FormatHybrid, nil
		}
		if binary.BigEndian.Uint32(raw[20:24])&frame.FlagCompact != 0 {
			return FormatCompact, nil
		}
		return FormatHybrid, nil
	}
	return 0, ErrUnknownFormat
}

// Package audio normalizes captured recordings into WAV before they are sent
// to the avatar provider.
package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"mime"
	"os/exec"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
	"github.com/voiceavatar/api/internal/model"
)

const (
	MIMEWav = "audio/wav"
	MIMEPCM = "audio/pcm"
	MIMEL16 = "audio/L16"

	defaultSampleRate = 16000
	defaultChannels   = 1
	bitsPerSample     = 16
)

// ErrEmptyRecording is returned when there is nothing to encode
var ErrEmptyRecording = errors.New("recording is empty")

// Encoder converts a recording into WAV
type Encoder interface {
	Encode(ctx context.Context, rec model.Recording) (model.Recording, error)
}

// WAVEncoder passes WAV through, wraps raw PCM in a RIFF header and hands
// everything else to ffmpeg.
type WAVEncoder struct {
	FFmpegPath string
	run        func(ctx context.Context, path string, args []string, input []byte) ([]byte, error)
}

// NewEncoder creates an encoder using the given ffmpeg binary
func NewEncoder(ffmpegPath string) *WAVEncoder {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &WAVEncoder{FFmpegPath: ffmpegPath, run: runFFmpeg}
}

// DetectMIME sniffs the content type of data
func DetectMIME(data []byte) string {
	return mimetype.Detect(data).String()
}

// Encode returns rec as WAV
func (e *WAVEncoder) Encode(ctx context.Context, rec model.Recording) (model.Recording, error) {
	if rec.Empty() {
		return rec, ErrEmptyRecording
	}

	tag := rec.MIMEType
	if tag == "" {
		tag = DetectMIME(rec.Data)
	}
	mediaType, params, err := mime.ParseMediaType(tag)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(tag))
	}

	switch {
	case isWAV(mediaType) || mimetype.Detect(rec.Data).Is(MIMEWav):
		return model.Recording{Data: rec.Data, MIMEType: MIMEWav}, nil
	case strings.EqualFold(mediaType, MIMEPCM) || strings.EqualFold(mediaType, MIMEL16):
		rate := intParam(params, "rate", defaultSampleRate)
		channels := intParam(params, "channels", defaultChannels)
		return model.Recording{Data: WrapPCM(rec.Data, rate, channels), MIMEType: MIMEWav}, nil
	default:
		out, err := e.transcode(ctx, rec.Data, mediaType)
		if err != nil {
			return model.Recording{}, err
		}
		return model.Recording{Data: out, MIMEType: MIMEWav}, nil
	}
}

func (e *WAVEncoder) transcode(ctx context.Context, data []byte, mediaType string) ([]byte, error) {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", "pipe:0",
		"-ac", "1",
		"-f", "wav",
		"pipe:1",
	}

	log.Debug().Str("ffmpeg", e.FFmpegPath).Str("input_type", mediaType).Int("bytes", len(data)).Msg("transcoding recording")

	out, err := e.run(ctx, e.FFmpegPath, args, data)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("ffmpeg produced no output for %s", mediaType)
	}
	return out, nil
}

func runFFmpeg(ctx context.Context, path string, args []string, input []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, path, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg transcode failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// WrapPCM prepends a 44-byte RIFF/WAVE header to little-endian 16-bit PCM
func WrapPCM(pcm []byte, sampleRate, channels int) []byte {
	blockAlign := channels * bitsPerSample / 8
	byteRate := sampleRate * blockAlign

	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}

func isWAV(mediaType string) bool {
	switch strings.ToLower(mediaType) {
	case "audio/wav", "audio/x-wav", "audio/wave", "audio/vnd.wave":
		return true
	}
	return false
}

func intParam(params map[string]string, key string, fallback int) int {
	if v, ok := params[key]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

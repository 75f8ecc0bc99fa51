package broadcast

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	gamesync "github.com/cardroom/go-game-sync"
)

// CompressMinBytes is the payload size above which messages are gzipped
// before transport. The compressed flag travels in the envelope so the
// receiver knows whether to decompress.
const CompressMinBytes = 1024

// maxDecompressedBytes bounds decompression to keep a malformed or hostile
// stream from exhausting memory.
const maxDecompressedBytes = 16 * 1024 * 1024

// EncodeEnvelope frames an inner message for transport, compressing it when
// it exceeds minBytes (CompressMinBytes when minBytes <= 0).
func EncodeEnvelope(msgType string, inner any, minBytes int) ([]byte, error) {
	if minBytes <= 0 {
		minBytes = CompressMinBytes
	}

	payload, err := json.Marshal(inner)
	if err != nil {
		return nil, fmt.Errorf("marshal %s message: %w", msgType, err)
	}

	env := gamesync.Envelope{Type: msgType}
	if len(payload) > minBytes {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(payload); err != nil {
			return nil, fmt.Errorf("compress %s message: %w", msgType, err)
		}
		if err := gw.Close(); err != nil {
			return nil, fmt.Errorf("compress %s message: %w", msgType, err)
		}
		encoded, err := json.Marshal(base64.StdEncoding.EncodeToString(buf.Bytes()))
		if err != nil {
			return nil, fmt.Errorf("encode %s message: %w", msgType, err)
		}
		env.Compressed = true
		env.Data = encoded
	} else {
		env.Data = payload
	}

	return json.Marshal(env)
}

// DecodeEnvelope parses a framed message and returns the envelope plus the
// decompressed inner payload.
func DecodeEnvelope(data []byte) (gamesync.Envelope, []byte, error) {
	var env gamesync.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, nil, fmt.Errorf("decode envelope: %w", err)
	}

	if !env.Compressed {
		return env, env.Data, nil
	}

	var b64 string
	if err := json.Unmarshal(env.Data, &b64); err != nil {
		return env, nil, fmt.Errorf("decode compressed payload: %w", err)
	}
	compressed, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return env, nil, fmt.Errorf("decode compressed payload: %w", err)
	}
	gr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return env, nil, fmt.Errorf("invalid gzip data: %w", err)
	}
	defer gr.Close()

	inner, err := io.ReadAll(io.LimitReader(gr, maxDecompressedBytes+1))
	if err != nil {
		return env, nil, fmt.Errorf("decompress payload: %w", err)
	}
	if len(inner) > maxDecompressedBytes {
		return env, nil, fmt.Errorf("decompressed payload exceeds %d bytes", maxDecompressedBytes)
	}
	return env, inner, nil
}

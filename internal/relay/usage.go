package relay

import "encoding/json"

// Usage is one request's token/cost record, built up either from a single
// JSON response body or from the SSE event sequence of a streamed one.
type Usage struct {
	InputTokens       int64
	OutputTokens      int64
	CacheCreateTokens int64
	CacheReadTokens   int64
	Ephemeral5mTokens int64
	Ephemeral1hTokens int64
	Model             string
	AccountID         string
}

type usageWire struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreation            *struct {
		Ephemeral5mInputTokens int64 `json:"ephemeral_5m_input_tokens"`
		Ephemeral1hInputTokens int64 `json:"ephemeral_1h_input_tokens"`
	} `json:"cache_creation"`
}

// parseUnaryUsage copies response.usage.* (and its optional cache_creation
// breakdown) out of a non-streaming JSON response body.
func parseUnaryUsage(body []byte) (Usage, bool) {
	var resp struct {
		Model string    `json:"model"`
		Usage usageWire `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Usage{}, false
	}
	u := Usage{
		InputTokens:       resp.Usage.InputTokens,
		OutputTokens:      resp.Usage.OutputTokens,
		CacheCreateTokens: resp.Usage.CacheCreationInputTokens,
		CacheReadTokens:   resp.Usage.CacheReadInputTokens,
		Model:             resp.Model,
	}
	if resp.Usage.CacheCreation != nil {
		u.Ephemeral5mTokens = resp.Usage.CacheCreation.Ephemeral5mInputTokens
		u.Ephemeral1hTokens = resp.Usage.CacheCreation.Ephemeral1hInputTokens
	}
	return u, true
}

// sseParser incrementally scans a byte stream for message_start /
// message_delta / message_stop SSE frames without buffering the whole
// response. Feed is called once per chunk read from the upstream body;
// frames may be separated by "\n\n" or "\r\n\r\n".
type sseParser struct {
	buf     []byte
	usage   Usage
	started bool
	stopped bool
	onUsage func(Usage)
}

func newSSEParser(onUsage func(Usage)) *sseParser {
	return &sseParser{onUsage: onUsage}
}

// Feed scans chunk for complete frames, processing each as it completes.
// Call after writing chunk through to the consumer unmodified.
func (p *sseParser) Feed(chunk []byte) {
	if p.stopped {
		return
	}
	p.buf = append(p.buf, chunk...)
	for {
		idx, sepLen := findFrameSeparator(p.buf)
		if idx < 0 {
			break
		}
		frame := p.buf[:idx]
		p.buf = p.buf[idx+sepLen:]
		p.processFrame(frame)
		if p.stopped {
			return
		}
	}
}

func (p *sseParser) processFrame(frame []byte) {
	event, data := splitEventFrame(frame)
	switch event {
	case "message_start":
		if p.started {
			return
		}
		var wire struct {
			Message struct {
				Model string    `json:"model"`
				Usage usageWire `json:"usage"`
			} `json:"message"`
		}
		if err := json.Unmarshal(data, &wire); err != nil {
			return
		}
		p.usage.Model = wire.Message.Model
		p.usage.InputTokens = wire.Message.Usage.InputTokens
		p.usage.CacheCreateTokens = wire.Message.Usage.CacheCreationInputTokens
		p.usage.CacheReadTokens = wire.Message.Usage.CacheReadInputTokens
		if wire.Message.Usage.CacheCreation != nil {
			p.usage.Ephemeral5mTokens = wire.Message.Usage.CacheCreation.Ephemeral5mInputTokens
			p.usage.Ephemeral1hTokens = wire.Message.Usage.CacheCreation.Ephemeral1hInputTokens
		}
		p.started = true

	case "message_delta":
		var wire struct {
			Usage struct {
				OutputTokens int64 `json:"output_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal(data, &wire); err != nil {
			return
		}
		p.usage.OutputTokens = wire.Usage.OutputTokens

	case "message_stop":
		p.stopped = true
		if p.onUsage != nil {
			cb := p.onUsage
			p.onUsage = nil
			cb(p.usage)
		}
	}
}

// splitEventFrame pulls the "event:" and concatenated "data:" lines out of
// one frame's worth of bytes.
func splitEventFrame(frame []byte) (event string, data []byte) {
	var dataLines [][]byte
	for _, line := range splitLines(frame) {
		line = trimCR(line)
		switch {
		case hasPrefixFold(line, "event:"):
			event = string(trimSpaceBytes(line[len("event:"):]))
		case hasPrefixFold(line, "data:"):
			dataLines = append(dataLines, trimSpaceBytes(line[len("data:"):]))
		}
	}
	if len(dataLines) == 0 {
		return event, nil
	}
	out := append([]byte(nil), dataLines[0]...)
	for _, l := range dataLines[1:] {
		out = append(append(out, '\n'), l...)
	}
	return event, out
}

func findFrameSeparator(buf []byte) (idx, sepLen int) {
	i1 := indexBytes(buf, "\n\n")
	i2 := indexBytes(buf, "\r\n\r\n")
	switch {
	case i1 < 0 && i2 < 0:
		return -1, 0
	case i1 < 0:
		return i2, 4
	case i2 < 0:
		return i1, 2
	case i1 <= i2:
		return i1, 2
	default:
		return i2, 4
	}
}

package rtc

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dkeye/Panel/internal/core"
	"github.com/dkeye/Panel/internal/domain"
	"github.com/pion/webrtc/v4"
)

const audioLevelURI = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"

// First dynamic payload types handed out per kind.
const (
	audioPayloadBase = 111
	videoPayloadBase = 96
)

var videoFeedback = []webrtc.RTCPFeedback{
	{Type: "goog-remb"},
	{Type: "ccm", Parameter: "fir"},
	{Type: "nack"},
	{Type: "nack", Parameter: "pli"},
}

func codecType(kind domain.Kind) webrtc.RTPCodecType {
	if kind == domain.KindVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}

func kindOf(t webrtc.RTPCodecType) (domain.Kind, error) {
	switch t {
	case webrtc.RTPCodecTypeAudio:
		return domain.KindAudio, nil
	case webrtc.RTPCodecTypeVideo:
		return domain.KindVideo, nil
	}
	return "", fmt.Errorf("%w: %s", domain.ErrUnknownKind, t)
}

// fmtpLine renders codec parameters in a stable order.
func fmtpLine(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	return strings.Join(parts, ";")
}

func parseFmtp(line string) map[string]string {
	if line == "" {
		return nil
	}
	out := make(map[string]string)
	for _, part := range strings.Split(line, ";") {
		k, v, _ := strings.Cut(strings.TrimSpace(part), "=")
		if k != "" {
			out[k] = v
		}
	}
	return out
}

func toCapability(c core.CodecSpec) webrtc.RTPCodecCapability {
	cp := webrtc.RTPCodecCapability{
		MimeType:    c.MimeType,
		ClockRate:   c.ClockRate,
		Channels:    c.Channels,
		SDPFmtpLine: fmtpLine(c.Parameters),
	}
	if c.Kind == domain.KindVideo {
		cp.RTCPFeedback = videoFeedback
	}
	return cp
}

func fromCodec(kind domain.Kind, c webrtc.RTPCodecParameters) core.CodecSpec {
	return core.CodecSpec{
		Kind:       kind,
		MimeType:   c.MimeType,
		ClockRate:  c.ClockRate,
		Channels:   c.Channels,
		Parameters: parseFmtp(c.SDPFmtpLine),
	}
}

// codecParameters assigns payload types to the router codec set in order.
func codecParameters(codecs []core.CodecSpec) ([]webrtc.RTPCodecParameters, error) {
	next := map[domain.Kind]webrtc.PayloadType{
		domain.KindAudio: audioPayloadBase,
		domain.KindVideo: videoPayloadBase,
	}
	out := make([]webrtc.RTPCodecParameters, 0, len(codecs))
	for _, c := range codecs {
		if _, err := domain.ParseKind(string(c.Kind)); err != nil {
			return nil, err
		}
		if c.MimeType == "" || c.ClockRate == 0 {
			return nil, fmt.Errorf("codec %q: mime type and clock rate are required", c.MimeType)
		}
		out = append(out, webrtc.RTPCodecParameters{
			RTPCodecCapability: toCapability(c),
			PayloadType:        next[c.Kind],
		})
		next[c.Kind]++
	}
	return out, nil
}

// newMediaEngine registers the codec set and the audio level extension the
// speaker observer reads.
func newMediaEngine(codecs []core.CodecSpec) (*webrtc.MediaEngine, error) {
	params, err := codecParameters(codecs)
	if err != nil {
		return nil, err
	}
	m := &webrtc.MediaEngine{}
	for i, p := range params {
		if err := m.RegisterCodec(p, codecType(codecs[i].Kind)); err != nil {
			return nil, fmt.Errorf("register codec %s: %w", p.MimeType, err)
		}
	}
	if err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: audioLevelURI}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register audio level extension: %w", err)
	}
	return m, nil
}

// supports reports whether caps carry a codec matching c by mime type and
// clock rate.
func supports(caps core.RTPCapabilities, c core.CodecSpec) bool {
	for _, cc := range caps.Codecs {
		if strings.EqualFold(cc.MimeType, c.MimeType) && cc.ClockRate == c.ClockRate {
			return true
		}
	}
	return false
}

package edgeagent

import "strings"

const (
	harmonyFinalMarker     = "<|channel|>final<|message|>"
	harmonyChannelMarker   = "<|channel|>"
	harmonyStartMarker     = "<|start|>"
	harmonyEndMarker       = "<|end|>"
	harmonyReturnMarker    = "<|return|>"
	harmonyCallMarker      = "<|call|>"
	harmonyRecipientMarker = "<|recipient|>"
	imEndMarker            = "<|im_end|>"
	imStartAssistantPrefix = "<|im_start|>assistant\n"
)

// harmonyTerminators are the markers that close a Harmony final block,
// tried in the order they can legally appear; extract takes the first one
// found after the final marker.
var harmonyTerminators = []string{harmonyEndMarker, harmonyReturnMarker, harmonyCallMarker, harmonyChannelMarker}

// extract is the Streaming Final-Channel Extractor (C3): a pure function
// from raw, possibly-partial model text to the user-visible text within it
// (spec §4.9). It is deterministic and idempotent on already-extracted plain
// text — calling it twice on its own output is a no-op.
func extract(rawText string) string {
	if idx := strings.LastIndex(rawText, harmonyFinalMarker); idx >= 0 {
		rest := rawText[idx+len(harmonyFinalMarker):]
		end := len(rest)
		for _, term := range harmonyTerminators {
			if i := strings.Index(rest, term); i >= 0 && i < end {
				end = i
			}
		}
		body := rest[:end]
		if ri := strings.Index(body, harmonyRecipientMarker); ri >= 0 {
			body = body[:ri]
		}
		return strings.TrimSpace(body)
	}

	if strings.Contains(rawText, harmonyChannelMarker) || strings.Contains(rawText, harmonyStartMarker) {
		return ""
	}

	return strings.TrimSpace(stripAuxiliaryTags(rawText))
}

// auxiliaryTagPairs are stripped (complete or left-open) from plain,
// non-Harmony model output.
var auxiliaryTagPairs = []struct{ open, close string }{
	{"<think>", "</think>"},
	{"<commentary>", "</commentary>"},
	{"<tool_call>", "</tool_call>"},
}

func stripAuxiliaryTags(s string) string {
	for _, pair := range auxiliaryTagPairs {
		s = stripTagPairs(s, pair.open, pair.close)
	}
	s = strings.ReplaceAll(s, imEndMarker, "")
	s = strings.ReplaceAll(s, imStartAssistantPrefix, "")
	return s
}

// stripTagPairs removes every complete open...close block, then removes a
// trailing incomplete block (an open tag with no matching close) left by a
// stream still mid-generation.
func stripTagPairs(s, open, close string) string {
	for {
		oi := strings.Index(s, open)
		if oi < 0 {
			break
		}
		ci := strings.Index(s[oi+len(open):], close)
		if ci < 0 {
			// incomplete trailing block: drop from the open tag to the end.
			return s[:oi]
		}
		ci += oi + len(open)
		s = s[:oi] + s[ci+len(close):]
	}
	return s
}

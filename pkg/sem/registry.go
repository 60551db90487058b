package sem

import "sync"

// Decoder maps a raw envelope event onto a normalized Event. A decoder may
// return (nil, nil) to pass on a frame it does not handle, in which case the
// next decoder (and finally the builtin table) is consulted.
type Decoder func(evt EnvelopeEvent) (*Event, error)

var (
	decMu    sync.RWMutex
	decoders = map[string][]Decoder{}
)

// RegisterDecoder installs a decoder for a wire type. Deployments use this to
// map vendor-specific frame types onto the closed kind set without forking
// the normalizer; the kind set itself is not extensible.
func RegisterDecoder(wireType string, fn Decoder) {
	if wireType == "" || fn == nil {
		return
	}
	decMu.Lock()
	defer decMu.Unlock()
	decoders[wireType] = append(decoders[wireType], fn)
}

// ClearDecoders removes all registered decoders (useful for tests).
func ClearDecoders() {
	decMu.Lock()
	defer decMu.Unlock()
	decoders = map[string][]Decoder{}
}

func decodeRegistered(evt EnvelopeEvent) (*Event, bool, error) {
	decMu.RLock()
	dlist := append([]Decoder(nil), decoders[evt.Type]...)
	decMu.RUnlock()

	if len(dlist) == 0 {
		return nil, false, nil
	}
	for _, d := range dlist {
		if d == nil {
			continue
		}
		ev, err := d(evt)
		if ev != nil || err != nil {
			return ev, true, err
		}
	}
	return nil, true, nil
}

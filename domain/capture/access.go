package capture

import "context"

// CheckAccess opens display on platform and closes it again without
// starting a stream. It reports the display geometry, or an error matching
// ErrSourceUnavailable when the display is missing or capture is denied.
// Use it to verify screen-recording permission before building a Session.
func CheckAccess(ctx context.Context, platform Platform, display int) (DisplayInfo, error) {
	a := NewSourceAdapter(nil, platform, display)
	if err := a.Initialize(ctx); err != nil {
		return DisplayInfo{}, err
	}
	defer a.EndDelivery()
	return a.Info(), nil
}

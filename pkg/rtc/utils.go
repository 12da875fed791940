package rtc

import (
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"
)

func kindName(kind livekit.TrackType) string {
	return strings.ToLower(kind.String())
}

// ParseTrackKind accepts "audio", "video" or "data" in any case.
func ParseTrackKind(s string) (livekit.TrackType, error) {
	if v, ok := livekit.TrackType_value[strings.ToUpper(s)]; ok {
		return livekit.TrackType(v), nil
	}
	return livekit.TrackType_AUDIO, fmt.Errorf("unknown track kind %q", s)
}

// Recover logs a panic. It must be deferred directly: defer rtc.Recover(l).
func Recover(l logger.Logger) {
	if l == nil {
		l = logger.GetLogger()
	}
	r := recover()
	if r != nil {
		var err error
		switch e := r.(type) {
		case string:
			err = fmt.Errorf("%s", e)
		case error:
			err = e
		default:
			err = fmt.Errorf("%v", r)
		}
		l.Errorw("recovered panic", err, "panic", string(debug.Stack()))
	}
}

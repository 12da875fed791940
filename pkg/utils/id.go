package utils

import (
	"github.com/lithammer/shortuuid/v3"
)

const (
	SessionPrefix     = "RM_"
	ParticipantPrefix = "PA_"
	TrackPrefix       = "TR_"
	PeerPrefix        = "PC_"
	NodePrefix        = "ND_"
)

func NewGuid(prefix string) string {
	return prefix + shortuuid.New()
}

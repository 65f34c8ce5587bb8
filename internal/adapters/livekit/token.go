package livekit

import (
	"fmt"
	"time"

	"github.com/livekit/protocol/auth"
)

// MintToken generates a join token for the given room and identity, signed
// with the configured API key pair. Used to hand credentials to a second
// device without exposing the secret.
func (t *Transport) MintToken(room, identity, name string, validFor time.Duration) (string, error) {
	if t.cfg.APIKey == "" || t.cfg.APISecret == "" {
		return "", fmt.Errorf("token minting requires an API key pair")
	}
	if validFor <= 0 {
		validFor = 24 * time.Hour
	}
	if name == "" {
		name = identity
	}

	canPublish := true
	canSubscribe := true
	canPublishData := true
	grant := &auth.VideoGrant{
		RoomJoin:       true,
		Room:           room,
		CanPublish:     &canPublish,
		CanSubscribe:   &canSubscribe,
		CanPublishData: &canPublishData,
	}

	at := auth.NewAccessToken(t.cfg.APIKey, t.cfg.APISecret)
	at.SetVideoGrant(grant).
		SetIdentity(identity).
		SetName(name).
		SetValidFor(validFor)

	token, err := at.ToJWT()
	if err != nil {
		return "", fmt.Errorf("generate join token: %w", err)
	}
	return token, nil
}

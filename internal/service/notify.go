package service

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/salescrm/pairing-server/internal/model"
	redisclient "github.com/salescrm/pairing-server/internal/redis"
	"github.com/salescrm/pairing-server/internal/sse"
)

// publishSession fans a stored row out to subscribers of its session channel.
// A failed publish is logged; the polling loop still catches the change.
func publishSession(ctx context.Context, broker *sse.Broker, session *model.PairingSession) {
	event := model.SessionEvent{
		SessionID: session.ID,
		OwnerID:   session.OwnerID,
		Session:   session,
	}
	if err := broker.PublishJSON(ctx, redisclient.SessionChannel(session.ID), model.EventSessionUpdated, event); err != nil {
		log.Warn().
			Err(err).
			Str("sessionId", session.ID).
			Msg("failed to publish session update")
	}
}

func publishDeleted(ctx context.Context, broker *sse.Broker, session *model.PairingSession) {
	event := model.SessionEvent{
		SessionID: session.ID,
		OwnerID:   session.OwnerID,
		Deleted:   true,
	}
	if err := broker.PublishJSON(ctx, redisclient.SessionChannel(session.ID), model.EventSessionDeleted, event); err != nil {
		log.Warn().
			Err(err).
			Str("sessionId", session.ID).
			Msg("failed to publish session deletion")
	}
}

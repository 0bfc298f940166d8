package crmsync

import (
	"context"
	"encoding/json"
	"io"

	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"

	"github.com/mmdatafocus/salonsync_backend/config"
	"github.com/mmdatafocus/salonsync_backend/models"
	"github.com/mmdatafocus/salonsync_backend/utils"
)

const (
	runHandlerName    = "crm-sync-run"
	repairHandlerName = "crm-repair"
)

// PubSubPushEnvelope is the wire shape Google wraps push deliveries in.
type PubSubPushEnvelope struct {
	Message struct {
		Data      []byte `json:"data"`
		MessageId string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// EnsureSubscriptions provisions the run and repair topics with their push
// subscriptions. Only used where the service manages its own Pub/Sub
// resources; production deployments provision via infrastructure and set
// CRM_SYNC_CREATE_TOPICS=false.
func EnsureSubscriptions(ctx context.Context, client *pubsub.Client) error {
	if !utils.BoolFromEnv("CRM_SYNC_CREATE_TOPICS", false) {
		return nil
	}
	base := utils.GetEnv("PUSH_ENDPOINT_BASE_URL", "")

	runsTopic, err := config.CreateTopicIfNotExists(client, utils.GetEnv("CRM_SYNC_RUNS_TOPIC", RunsTopicName))
	if err != nil {
		return err
	}
	endpoint := ""
	if base != "" {
		endpoint = base + "/pubsub/crm-sync-runs"
	}
	if _, err := config.CreateSubscriptionIfNotExists(client, RunsSubscriptionName, runsTopic, endpoint); err != nil {
		return err
	}

	repairTopic, err := config.CreateTopicIfNotExists(client, utils.GetEnv("CRM_REPAIR_TOPIC", RepairTopicName))
	if err != nil {
		return err
	}
	endpoint = ""
	if base != "" {
		endpoint = base + "/pubsub/crm-repair"
	}
	_, err = config.CreateSubscriptionIfNotExists(client, RepairSubscriptionName, repairTopic, endpoint)
	return err
}

func (e *Engine) publishRun(ctx context.Context, run *models.SyncRun) error {
	payload := RunMessage{
		RunId:      run.ID,
		EntityType: run.EntityType,
		Direction:  run.Direction,
		JobKey:     run.JobKey,
	}
	return e.publisher(ctx, utils.GetEnv("CRM_SYNC_RUNS_TOPIC", RunsTopicName), payload)
}

func (e *Engine) publishRepair(ctx context.Context, msg RepairMessage) error {
	return e.publisher(ctx, utils.GetEnv("CRM_REPAIR_TOPIC", RepairTopicName), msg)
}

func (e *Engine) publish(ctx context.Context, topicName string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	topic := e.pub.Topic(topicName)
	if utils.BoolFromEnv("CRM_SYNC_CREATE_TOPICS", false) {
		topic, err = config.CreateTopicIfNotExists(e.pub, topicName)
		if err != nil {
			return err
		}
	}
	res := topic.Publish(ctx, &pubsub.Message{Data: data})
	_, err = res.Get(ctx)
	return err
}

// RunPushHandler receives run deliveries. Always 204: Pub/Sub retries
// until acknowledged, and the run ledger plus the idempotency claim make
// redelivery harmless, so there is nothing a nack would buy.
func (e *Engine) RunPushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !utils.BoolFromEnv("ENABLE_CRM_SYNC_PUSH_ENDPOINT", true) {
			c.Status(204)
			return
		}

		envelope, ok := readEnvelope(c)
		if !ok {
			c.Status(204)
			return
		}

		var payload RunMessage
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil || payload.RunId == 0 {
			c.Status(204)
			return
		}

		ctx := c.Request.Context()
		claimed, err := models.ClaimIdempotencyKey(ctx, e.db, runHandlerName, envelope.Message.MessageId)
		if err != nil || !claimed {
			c.Status(204)
			return
		}

		execErr := e.ExecuteRun(ctx, payload)
		e.settleIdempotency(ctx, runHandlerName, envelope.Message.MessageId, execErr)
		c.Status(204)
	}
}

// RepairPushHandler receives repair deliveries. Same always-ack contract
// as the run handler.
func (e *Engine) RepairPushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !utils.BoolFromEnv("ENABLE_CRM_REPAIR_PUSH_ENDPOINT", true) {
			c.Status(204)
			return
		}

		envelope, ok := readEnvelope(c)
		if !ok {
			c.Status(204)
			return
		}

		var payload RepairMessage
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil ||
			payload.SourceId == "" || payload.EntityType == "" {
			c.Status(204)
			return
		}

		ctx := c.Request.Context()
		claimed, err := models.ClaimIdempotencyKey(ctx, e.db, repairHandlerName, envelope.Message.MessageId)
		if err != nil || !claimed {
			c.Status(204)
			return
		}

		repairErr := e.HandleRepair(ctx, payload)
		e.settleIdempotency(ctx, repairHandlerName, envelope.Message.MessageId, repairErr)
		c.Status(204)
	}
}

func (e *Engine) settleIdempotency(ctx context.Context, handlerName, messageId string, handlerErr error) {
	status := models.IdempotencyStatusSucceeded
	if handlerErr != nil {
		status = models.IdempotencyStatusFailed
		config.LogError(e.logger, "crmsync", handlerName, messageId, nil, handlerErr)
	}
	if err := models.MarkIdempotencyOutcome(ctx, e.db, handlerName, messageId, status, handlerErr); err != nil {
		config.LogError(e.logger, "crmsync", "settleIdempotency", messageId, nil, err)
	}
}

func readEnvelope(c *gin.Context) (PubSubPushEnvelope, bool) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return PubSubPushEnvelope{}, false
	}
	var envelope PubSubPushEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return PubSubPushEnvelope{}, false
	}
	if envelope.Message.MessageId == "" {
		return PubSubPushEnvelope{}, false
	}
	return envelope, true
}

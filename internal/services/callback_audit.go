package services

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
)

// CallbackRecord is an append-only copy of one webhook delivery.
type CallbackRecord struct {
	CheckoutRequestID string    `bson:"checkout_request_id,omitempty"`
	MerchantRequestID string    `bson:"merchant_request_id,omitempty"`
	ResultCode        *int      `bson:"result_code,omitempty"`
	Outcome           Outcome   `bson:"outcome"`
	Error             string    `bson:"error,omitempty"`
	Payload           string    `bson:"payload"`
	ReceivedAt        time.Time `bson:"received_at"`
}

// CallbackAuditor keeps every delivery, including ones that matched nothing.
type CallbackAuditor interface {
	RecordCallback(ctx context.Context, record CallbackRecord) error
}

// MongoCallbackAuditor writes deliveries to the mpesa_callbacks collection.
type MongoCallbackAuditor struct {
	collection *mongo.Collection
}

func NewMongoCallbackAuditor(client *mongo.Client, dbName string) *MongoCallbackAuditor {
	return &MongoCallbackAuditor{collection: client.Database(dbName).Collection("mpesa_callbacks")}
}

func (a *MongoCallbackAuditor) RecordCallback(ctx context.Context, record CallbackRecord) error {
	if record.ReceivedAt.IsZero() {
		record.ReceivedAt = time.Now()
	}
	if _, err := a.collection.InsertOne(ctx, record); err != nil {
		return fmt.Errorf("failed to insert callback audit: %w", err)
	}
	return nil
}

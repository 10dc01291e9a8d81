// Copyright (C) 2026 DevSync AI (engineering@devsync.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/devsync-ai/devsync/services/collab/datatypes"
)

// =============================================================================
// Constants
// =============================================================================

const (
	projectsCollection = "projects"
	usersCollection    = "users"

	connectTimeout = 10 * time.Second
)

// =============================================================================
// Document Types
// =============================================================================

// messageDoc is the embedded chat message shape. Field names match the
// wire contract so history reads back without translation.
type messageDoc struct {
	ID          string    `bson:"_id"`
	SenderID    string    `bson:"senderId"`
	SenderEmail string    `bson:"senderEmail"`
	Body        string    `bson:"Message"`
	Timestamp   time.Time `bson:"timestamp"`
	IsAIMessage bool      `bson:"isAIMessage"`
	IsLoading   bool      `bson:"isLoading"`
}

type projectDoc struct {
	ID       primitive.ObjectID `bson:"_id"`
	Name     string             `bson:"name"`
	Users    []string           `bson:"users"`
	Messages []messageDoc       `bson:"messages"`
	FileTree string             `bson:"fileTree"`
}

type userDoc struct {
	ID    primitive.ObjectID `bson:"_id"`
	Email string             `bson:"email"`
}

// =============================================================================
// Struct Definition
// =============================================================================

// MongoStore is the MongoDB-backed ProjectStore.
//
// # Description
//
// Projects live in one collection with chat history embedded as a
// messages array and the file tree stored as a serialized JSON string.
// The assistant identity lives in the users collection and is created
// with an upsert so concurrent first-use is safe.
//
// # Thread Safety
//
// Safe for concurrent use; the driver's client is thread-safe.
type MongoStore struct {
	client   *mongo.Client
	projects *mongo.Collection
	users    *mongo.Collection
	logger   *slog.Logger
}

// =============================================================================
// Constructor
// =============================================================================

// NewMongoStore connects to MongoDB and verifies the connection.
//
// # Inputs
//
//   - ctx: Bounds the connect and ping.
//   - uri: MongoDB connection string.
//   - database: Database name.
//   - logger: Structured logger; must not be nil.
//
// # Outputs
//
//   - *MongoStore: Ready for use. Call Close on shutdown.
//   - error: Non-nil if the server is unreachable.
func NewMongoStore(ctx context.Context, uri, database string, logger *slog.Logger) (*MongoStore, error) {
	if logger == nil {
		panic("NewMongoStore: logger is required")
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	db := client.Database(database)
	logger.Info("connected to mongodb", "database", database)

	return &MongoStore{
		client:   client,
		projects: db.Collection(projectsCollection),
		users:    db.Collection(usersCollection),
		logger:   logger,
	}, nil
}

// =============================================================================
// Methods
// =============================================================================

// FindProject looks a project up by its hex ObjectID.
func (s *MongoStore) FindProject(ctx context.Context, projectID string) (*Project, error) {
	filter, err := projectFilter(projectID)
	if err != nil {
		return nil, ErrNotFound
	}

	var doc projectDoc
	if err := s.projects.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, &PersistenceError{Op: "findProject", ProjectID: projectID, Err: err}
	}

	return docToProject(&doc), nil
}

// AppendMessage pushes one message onto the project's history array.
func (s *MongoStore) AppendMessage(ctx context.Context, projectID string, msg datatypes.Message) error {
	filter, err := projectFilter(projectID)
	if err != nil {
		return &PersistenceError{Op: "appendMessage", ProjectID: projectID, Err: err}
	}

	update := bson.M{"$push": bson.M{"messages": messageToDoc(msg)}}
	res, err := s.projects.UpdateOne(ctx, filter, update)
	if err != nil {
		return &PersistenceError{Op: "appendMessage", ProjectID: projectID, Err: err}
	}
	if res.MatchedCount == 0 {
		return &PersistenceError{Op: "appendMessage", ProjectID: projectID, Err: ErrNotFound}
	}
	return nil
}

// UpdateMessageBody patches one embedded message's body and clears its
// loading flag via the positional operator.
func (s *MongoStore) UpdateMessageBody(ctx context.Context, projectID, messageID, body string) error {
	filter, err := projectFilter(projectID)
	if err != nil {
		return &PersistenceError{Op: "updateMessageBody", ProjectID: projectID, Err: err}
	}
	filter["messages._id"] = messageID

	update := bson.M{"$set": bson.M{
		"messages.$.Message":   body,
		"messages.$.isLoading": false,
	}}
	res, err := s.projects.UpdateOne(ctx, filter, update)
	if err != nil {
		return &PersistenceError{Op: "updateMessageBody", ProjectID: projectID, Err: err}
	}
	if res.MatchedCount == 0 {
		return &PersistenceError{Op: "updateMessageBody", ProjectID: projectID,
			Err: fmt.Errorf("message %s not found", messageID)}
	}
	return nil
}

// SetFileTree overwrites the project's serialized file tree.
func (s *MongoStore) SetFileTree(ctx context.Context, projectID, serialized string) error {
	filter, err := projectFilter(projectID)
	if err != nil {
		return &PersistenceError{Op: "setFileTree", ProjectID: projectID, Err: err}
	}

	res, err := s.projects.UpdateOne(ctx, filter, bson.M{"$set": bson.M{"fileTree": serialized}})
	if err != nil {
		return &PersistenceError{Op: "setFileTree", ProjectID: projectID, Err: err}
	}
	if res.MatchedCount == 0 {
		return &PersistenceError{Op: "setFileTree", ProjectID: projectID, Err: ErrNotFound}
	}
	return nil
}

// EnsureAssistantUser upserts the well-known assistant identity.
func (s *MongoStore) EnsureAssistantUser(ctx context.Context) (datatypes.UserRef, error) {
	filter := bson.M{"email": datatypes.AssistantEmail}
	update := bson.M{"$setOnInsert": bson.M{
		"_id":   primitive.NewObjectID(),
		"email": datatypes.AssistantEmail,
	}}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var doc userDoc
	if err := s.users.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc); err != nil {
		return datatypes.UserRef{}, &PersistenceError{Op: "ensureAssistantUser", Err: err}
	}

	return datatypes.UserRef{ID: doc.ID.Hex(), Email: doc.Email}, nil
}

// Close disconnects the underlying client.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// =============================================================================
// Helper Functions
// =============================================================================

// projectFilter builds the _id filter for a hex ObjectID string.
func projectFilter(projectID string) (bson.M, error) {
	oid, err := primitive.ObjectIDFromHex(projectID)
	if err != nil {
		return nil, fmt.Errorf("malformed project id %q: %w", projectID, err)
	}
	return bson.M{"_id": oid}, nil
}

func messageToDoc(msg datatypes.Message) messageDoc {
	return messageDoc{
		ID:          msg.ID,
		SenderID:    msg.Sender.ID,
		SenderEmail: msg.Sender.Email,
		Body:        msg.Body,
		Timestamp:   msg.Timestamp,
		IsAIMessage: msg.IsAIMessage,
		IsLoading:   msg.IsLoading,
	}
}

func docToProject(doc *projectDoc) *Project {
	messages := make([]datatypes.Message, 0, len(doc.Messages))
	for _, m := range doc.Messages {
		messages = append(messages, datatypes.Message{
			ID:          m.ID,
			Sender:      datatypes.UserRef{ID: m.SenderID, Email: m.SenderEmail},
			Body:        m.Body,
			Timestamp:   m.Timestamp,
			IsAIMessage: m.IsAIMessage,
			IsLoading:   m.IsLoading,
		})
	}
	return &Project{
		ID:       doc.ID.Hex(),
		Name:     doc.Name,
		Users:    doc.Users,
		Messages: messages,
		FileTree: doc.FileTree,
	}
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ ProjectStore = (*MongoStore)(nil)

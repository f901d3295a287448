// Package mongo implements the store on MongoDB. Conversations live in one
// document per conversation with the turns embedded as an array, so the
// append and the metadata overwrite are a single update.
package mongo

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/shilvister/loom/messages"
	"github.com/shilvister/loom/store"
)

type Store struct {
	client        *mongo.Client
	users         *mongo.Collection
	conversations *mongo.Collection
}

var _ store.Store = (*Store)(nil)

// Connect dials MongoDB and binds the users and conversations collections
// of the named database.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	db := client.Database(database)
	return &Store{
		client:        client,
		users:         db.Collection("users"),
		conversations: db.Collection("conversations"),
	}, nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

type userDoc struct {
	ID             primitive.ObjectID `bson:"_id"`
	Name           string             `bson:"name"`
	Admin          bool               `bson:"admin"`
	Trial          bool               `bson:"trial"`
	TrialRemaining int64              `bson:"trial_remaining"`
	Billing        float64            `bson:"billing"`
}

func (s *Store) GetUser(ctx context.Context, id string) (*store.User, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, fmt.Errorf("invalid user id %q: %w", id, err)
	}

	var doc userDoc
	if err := s.users.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("find user: %w", err)
	}

	return &store.User{
		ID:             doc.ID.Hex(),
		Name:           doc.Name,
		Admin:          doc.Admin,
		Trial:          doc.Trial,
		TrialRemaining: doc.TrialRemaining,
		Billing:        doc.Billing,
	}, nil
}

func (s *Store) ConversationWindow(ctx context.Context, userID, conversationID string, n int) ([]messages.Turn, error) {
	filter := bson.M{"user_id": userID, "conversation_id": conversationID}
	projection := options.FindOne().SetProjection(bson.M{"conversation": bson.M{"$slice": -n}})

	var doc struct {
		Conversation []bson.M `bson:"conversation"`
	}
	if err := s.conversations.FindOne(ctx, filter, projection).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("find conversation: %w", err)
	}

	turns := make([]messages.Turn, 0, len(doc.Conversation))
	for _, raw := range doc.Conversation {
		turn, err := turnFromBSON(raw)
		if err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

func (s *Store) AppendTurns(ctx context.Context, userID, conversationID string, user, assistant messages.Turn, meta store.MetadataPatch) error {
	userDoc, err := turnToBSON(user)
	if err != nil {
		return err
	}
	assistantDoc, err := turnToBSON(assistant)
	if err != nil {
		return err
	}

	filter := bson.M{"user_id": userID, "conversation_id": conversationID}
	update := bson.M{
		"$push": bson.M{
			"conversation": bson.M{"$each": bson.A{userDoc, assistantDoc}},
		},
		"$set": bson.M{
			"model":          meta.Model,
			"temperature":    meta.Temperature,
			"reason":         meta.ReasoningLevel,
			"system_message": meta.SystemMessage,
			"inference":      meta.Inference,
			"search":         meta.Search,
			"deep_research":  meta.DeepResearch,
			"persona":        meta.Persona,
			"mcp":            meta.McpServers,
		},
	}
	_, err = s.conversations.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("append turns: %w", err)
	}
	return nil
}

func (s *Store) IncrementBilling(ctx context.Context, userID string, amount float64) error {
	oid, err := primitive.ObjectIDFromHex(userID)
	if err != nil {
		return fmt.Errorf("invalid user id %q: %w", userID, err)
	}
	_, err = s.users.UpdateByID(ctx, oid, bson.M{"$inc": bson.M{"billing": amount}})
	if err != nil {
		return fmt.Errorf("increment billing: %w", err)
	}
	return nil
}

func (s *Store) DecrementTrial(ctx context.Context, userID string) error {
	oid, err := primitive.ObjectIDFromHex(userID)
	if err != nil {
		return fmt.Errorf("invalid user id %q: %w", userID, err)
	}
	_, err = s.users.UpdateByID(ctx, oid, bson.M{"$inc": bson.M{"trial_remaining": -1}})
	if err != nil {
		return fmt.Errorf("decrement trial: %w", err)
	}
	return nil
}

func (s *Store) SaveAlias(ctx context.Context, userID, conversationID, alias string) error {
	filter := bson.M{"user_id": userID, "conversation_id": conversationID}
	_, err := s.conversations.UpdateOne(ctx, filter, bson.M{"$set": bson.M{"alias": alias}})
	if err != nil {
		return fmt.Errorf("save alias: %w", err)
	}
	return nil
}

// Turns carry custom JSON codecs, so they cross into BSON through relaxed
// extended JSON instead of struct tags.

func turnToBSON(turn messages.Turn) (bson.M, error) {
	data, err := json.Marshal(turn)
	if err != nil {
		return nil, fmt.Errorf("encode turn: %w", err)
	}
	var doc bson.M
	if err := bson.UnmarshalExtJSON(data, false, &doc); err != nil {
		return nil, fmt.Errorf("convert turn to bson: %w", err)
	}
	return doc, nil
}

func turnFromBSON(doc bson.M) (messages.Turn, error) {
	data, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return messages.Turn{}, fmt.Errorf("convert turn from bson: %w", err)
	}
	var turn messages.Turn
	if err := json.Unmarshal(data, &turn); err != nil {
		return messages.Turn{}, fmt.Errorf("decode turn: %w", err)
	}
	return turn, nil
}

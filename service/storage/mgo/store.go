package mgo

import (
	"context"
	"errors"
	"time"

	"PPChat/module/model"
	"PPChat/service/storage"
	"PPChat/tools/errs"
	"PPChat/tools/ids"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	collChats    = "chats"
	collContacts = "contacts"
	collMessages = "messages"
)

// Store 基于 MongoDB 的 storage.Store。
// 回执追加使用带 $ne 过滤的单文档更新，天然原子且幂等。
type Store struct {
	cli      *mongo.Client
	db       *mongo.Database
	chats    *mongo.Collection
	contacts *mongo.Collection
	messages *mongo.Collection
	idGen    *ids.Generator
}

type contactsDoc struct {
	UserID   string   `bson:"_id"`
	Contacts []string `bson:"contacts"`
}

func Open(ctx context.Context, cfg Config, nodeID int64) (*Store, error) {
	cli, err := connect(ctx, &cfg)
	if err != nil {
		return nil, err
	}
	db := cli.Database(cfg.Database)
	s := &Store{
		cli:      cli,
		db:       db,
		chats:    db.Collection(collChats),
		contacts: db.Collection(collContacts),
		messages: db.Collection(collMessages),
		idGen:    ids.NewGenerator(nodeID),
	}
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = cli.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Store) EnsureIndexes(ctx context.Context) error {
	// 旧索引不含 chat_id，会把跨会话复用的 clientId 判成重复；不存在时报错，忽略
	_, _ = s.messages.Indexes().DropOne(ctx, "uniq_sender_client")
	_, err := s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "chat_id", Value: 1}, {Key: "sender_id", Value: 1}, {Key: "client_id", Value: 1}},
			Options: options.Index().
				SetName("uniq_chat_sender_client").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"client_id": bson.M{"$exists": true}}),
		},
		{Keys: bson.D{{Key: "chat_id", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return errs.Transient(err, "mongo.ensureIndexes.messages")
	}
	_, err = s.chats.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "participants.user_id", Value: 1}},
	})
	return errs.Transient(err, "mongo.ensureIndexes.chats")
}

func (s *Store) Close(ctx context.Context) error {
	return s.cli.Disconnect(ctx)
}

func (s *Store) CreateMessage(ctx context.Context, in storage.NewMessage) (*model.Message, bool, error) {
	at := in.At
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC().Truncate(time.Millisecond)
	typ := in.Type
	if typ == "" {
		typ = model.MessageTypeText
	}
	msg := &model.Message{
		ID:          s.idGen.NextString(),
		ChatID:      in.ChatID,
		SenderID:    in.SenderID,
		Type:        typ,
		Content:     in.Content,
		ReplyTo:     in.ReplyTo,
		ClientID:    in.ClientID,
		Status:      model.Status{Sent: true, SentAt: at},
		DeliveredTo: []model.Receipt{},
		ReadBy:      []model.Receipt{},
		Reactions:   []model.Reaction{},
		DeletedFor:  []string{},
		CreatedAt:   at,
	}
	_, err := s.messages.InsertOne(ctx, msg)
	if err == nil {
		return msg, true, nil
	}
	if in.ClientID != "" && mongo.IsDuplicateKeyError(err) {
		var existing model.Message
		ferr := s.messages.FindOne(ctx, bson.M{"chat_id": in.ChatID, "sender_id": in.SenderID, "client_id": in.ClientID}).Decode(&existing)
		if ferr != nil {
			return nil, false, errs.Transient(ferr, "mongo.CreateMessage.lookup")
		}
		return &existing, false, nil
	}
	return nil, false, errs.Transient(err, "mongo.CreateMessage")
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (*model.Message, error) {
	var msg model.Message
	err := s.messages.FindOne(ctx, bson.M{"_id": messageID}).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errs.ErrNotFound.WrapMsg("message not found", "messageId", messageID)
	}
	if err != nil {
		return nil, errs.Transient(err, "mongo.GetMessage")
	}
	return &msg, nil
}

func (s *Store) AppendDeliveryReceipt(ctx context.Context, messageID, userID string, at time.Time) (storage.ReceiptResult, error) {
	return s.appendReceipt(ctx, messageID, userID, at, "delivered_to", "status.delivered", "status.delivered_at")
}

func (s *Store) AppendReadReceipt(ctx context.Context, messageID, userID string, at time.Time) (storage.ReceiptResult, error) {
	return s.appendReceipt(ctx, messageID, userID, at, "read_by", "status.read", "status.read_at")
}

// appendReceipt 过滤条件里的 $ne 保证 (messageID, userID) 只写入一次；
// 未命中时区分“消息不存在”和“回执已存在”。
func (s *Store) appendReceipt(ctx context.Context, messageID, userID string, at time.Time, arrField, flagField, atField string) (storage.ReceiptResult, error) {
	at = at.UTC().Truncate(time.Millisecond)
	filter := bson.M{"_id": messageID, arrField + ".user_id": bson.M{"$ne": userID}}
	update := bson.M{
		"$push": bson.M{arrField: model.Receipt{UserID: userID, At: at}},
		"$set":  bson.M{flagField: true},
		"$min":  bson.M{atField: at},
	}
	var msg model.Message
	err := s.messages.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&msg)
	if err == nil {
		return storage.ReceiptResult{Message: &msg, Added: true}, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return storage.ReceiptResult{}, errs.Transient(err, "mongo.appendReceipt."+arrField)
	}
	existing, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return storage.ReceiptResult{}, err
	}
	return storage.ReceiptResult{Message: existing}, nil
}

func (s *Store) EditMessage(ctx context.Context, messageID, content string, at time.Time) (*model.Message, error) {
	at = at.UTC().Truncate(time.Millisecond)
	var msg model.Message
	err := s.messages.FindOneAndUpdate(ctx,
		bson.M{"_id": messageID, "deleted": false},
		bson.M{"$set": bson.M{"content": content, "edited": true, "edited_at": at}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errs.ErrNotFound.WrapMsg("message not found", "messageId", messageID)
	}
	if err != nil {
		return nil, errs.Transient(err, "mongo.EditMessage")
	}
	return &msg, nil
}

func (s *Store) DeleteMessage(ctx context.Context, messageID, userID string, forEveryone bool, at time.Time) (*model.Message, error) {
	filter := bson.M{"_id": messageID}
	var update bson.M
	if forEveryone {
		filter["deleted"] = false
		update = bson.M{"$set": bson.M{"deleted": true, "content": "", "deleted_at": at.UTC().Truncate(time.Millisecond)}}
	} else {
		update = bson.M{"$addToSet": bson.M{"deleted_for": userID}}
	}
	var msg model.Message
	err := s.messages.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		// 已删除过：幂等返回当前记录
		return s.GetMessage(ctx, messageID)
	}
	if err != nil {
		return nil, errs.Transient(err, "mongo.DeleteMessage")
	}
	return &msg, nil
}

// SetReaction 用聚合管道更新，一次写完成“去掉旧的 + 追加新的”
func (s *Store) SetReaction(ctx context.Context, messageID, userID, emoji string, at time.Time) (*model.Message, error) {
	reaction := bson.M{"user_id": userID, "emoji": emoji, "created_at": at.UTC().Truncate(time.Millisecond)}
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"reactions": bson.M{"$concatArrays": bson.A{
				bson.M{"$filter": bson.M{
					"input": bson.M{"$ifNull": bson.A{"$reactions", bson.A{}}},
					"cond":  bson.M{"$ne": bson.A{"$$this.user_id", userID}},
				}},
				bson.A{reaction},
			}},
		}}},
	}
	var msg model.Message
	err := s.messages.FindOneAndUpdate(ctx, bson.M{"_id": messageID, "deleted": false}, pipeline,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errs.ErrNotFound.WrapMsg("message not found", "messageId", messageID)
	}
	if err != nil {
		return nil, errs.Transient(err, "mongo.SetReaction")
	}
	return &msg, nil
}

func (s *Store) RemoveReaction(ctx context.Context, messageID, userID string) (*model.Message, bool, error) {
	res, err := s.messages.UpdateOne(ctx,
		bson.M{"_id": messageID, "reactions.user_id": userID},
		bson.M{"$pull": bson.M{"reactions": bson.M{"user_id": userID}}},
	)
	if err != nil {
		return nil, false, errs.Transient(err, "mongo.RemoveReaction")
	}
	msg, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return nil, false, err
	}
	return msg, res.ModifiedCount > 0, nil
}

func (s *Store) FetchChatMembership(ctx context.Context, chatID string) ([]string, error) {
	var chat model.Chat
	err := s.chats.FindOne(ctx, bson.M{"_id": chatID},
		options.FindOne().SetProjection(bson.M{"participants.user_id": 1})).Decode(&chat)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errs.ErrNotFound.WrapMsg("chat not found", "chatId", chatID)
	}
	if err != nil {
		return nil, errs.Transient(err, "mongo.FetchChatMembership")
	}
	return chat.MemberIDs(), nil
}

func (s *Store) FetchUserChats(ctx context.Context, userID string) ([]string, error) {
	cur, err := s.chats.Find(ctx, bson.M{"participants.user_id": userID},
		options.Find().SetProjection(bson.M{"_id": 1}).SetSort(bson.M{"_id": 1}))
	if err != nil {
		return nil, errs.Transient(err, "mongo.FetchUserChats")
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []string
	for cur.Next(ctx) {
		var row struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, errs.Transient(err, "mongo.FetchUserChats.decode")
		}
		out = append(out, row.ID)
	}
	return out, errs.Transient(cur.Err(), "mongo.FetchUserChats.cursor")
}

func (s *Store) FetchContacts(ctx context.Context, userID string) ([]string, error) {
	var doc contactsDoc
	err := s.contacts.FindOne(ctx, bson.M{"_id": userID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Transient(err, "mongo.FetchContacts")
	}
	return doc.Contacts, nil
}

func (s *Store) IncrementUnread(ctx context.Context, chatID, senderID, lastMessageID string, at time.Time) error {
	res, err := s.chats.UpdateOne(ctx,
		bson.M{"_id": chatID},
		bson.M{
			"$inc": bson.M{"participants.$[p].unread_count": 1},
			"$set": bson.M{"last_message": lastMessageID, "last_activity": at.UTC().Truncate(time.Millisecond)},
		},
		options.Update().SetArrayFilters(options.ArrayFilters{
			Filters: []interface{}{bson.M{"p.user_id": bson.M{"$ne": senderID}}},
		}),
	)
	if err != nil {
		return errs.Transient(err, "mongo.IncrementUnread")
	}
	if res.MatchedCount == 0 {
		return errs.ErrNotFound.WrapMsg("chat not found", "chatId", chatID)
	}
	return nil
}

func (s *Store) ResetUnread(ctx context.Context, chatID, userID, lastReadMessageID string) error {
	_, err := s.chats.UpdateOne(ctx,
		bson.M{"_id": chatID, "participants.user_id": userID},
		bson.M{"$set": bson.M{
			"participants.$.unread_count":      0,
			"participants.$.last_read_message": lastReadMessageID,
		}},
	)
	return errs.Transient(err, "mongo.ResetUnread")
}

var _ storage.Store = (*Store)(nil)

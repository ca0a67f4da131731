package bundle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"e2e_sync/internal/model"
)

type (
	identityDoc struct {
		UserID    string             `bson:"_id"`
		Bundle    model.PublicBundle `bson:"bundle"`
		UpdatedAt time.Time          `bson:"updated_at"`
	}

	preKeyDoc struct {
		UserID                string                      `bson:"_id"`
		RegistrationID        uint32                      `bson:"registration_id"`
		IdentityKey           [32]byte                    `bson:"identity_key"`
		SigningKey            []byte                      `bson:"signing_key"`
		SignedPreKeyID        uint32                      `bson:"signed_pre_key_id"`
		SignedPreKey          [32]byte                    `bson:"signed_pre_key"`
		SignedPreKeySignature []byte                      `bson:"signed_pre_key_signature"`
		OneTimePreKeys        []model.OneTimePreKeyPublic `bson:"one_time_pre_keys"`
		Revoked               bool                        `bson:"revoked"`
		UpdatedAt             time.Time                   `bson:"updated_at"`
	}

	// BundleRepo is the server-side key directory.
	BundleRepo struct {
		identities *mongo.Collection
		prekeys    *mongo.Collection
	}
)

func NewBundleRepo(db *mongo.Database) *BundleRepo {
	return &BundleRepo{
		identities: db.Collection("identities"),
		prekeys:    db.Collection("prekeys"),
	}
}

func (r *BundleRepo) PutIdentity(ctx context.Context, b *model.PublicBundle) error {
	doc := identityDoc{UserID: b.UserID, Bundle: *b, UpdatedAt: time.Now().UTC()}
	_, err := r.identities.ReplaceOne(ctx, bson.M{"_id": b.UserID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (r *BundleRepo) GetIdentity(ctx context.Context, userID string) (*model.PublicBundle, error) {
	var doc identityDoc
	err := r.identities.FindOne(ctx, bson.M{"_id": userID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc.Bundle, nil
}

// PutPreKeys replaces the published bundle and its one-time prekey pool. It
// also lifts a previous revocation.
func (r *BundleRepo) PutPreKeys(ctx context.Context, b *model.PreKeyBundle) error {
	doc := preKeyDoc{
		UserID:                b.UserID,
		RegistrationID:        b.RegistrationID,
		IdentityKey:           b.IdentityKey,
		SigningKey:            b.SigningKey,
		SignedPreKeyID:        b.SignedPreKeyID,
		SignedPreKey:          b.SignedPreKey,
		SignedPreKeySignature: b.SignedPreKeySignature,
		OneTimePreKeys:        b.OneTimePreKeys,
		UpdatedAt:             time.Now().UTC(),
	}
	if doc.OneTimePreKeys == nil {
		doc.OneTimePreKeys = []model.OneTimePreKeyPublic{}
	}
	_, err := r.prekeys.ReplaceOne(ctx, bson.M{"_id": b.UserID}, doc, options.Replace().SetUpsert(true))
	return err
}

// PopBundle returns the bundle of userID with at most one one-time prekey,
// removing that key atomically so no two callers receive it.
func (r *BundleRepo) PopBundle(ctx context.Context, userID string) (*model.PreKeyBundle, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.Before)
	var doc preKeyDoc
	err := r.prekeys.FindOneAndUpdate(ctx,
		bson.M{"_id": userID, "revoked": false},
		bson.M{"$pop": bson.M{"one_time_pre_keys": -1}},
		opts,
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, r.missing(ctx, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("pop bundle of %s: %w", userID, err)
	}

	b := &model.PreKeyBundle{
		UserID:                doc.UserID,
		RegistrationID:        doc.RegistrationID,
		IdentityKey:           doc.IdentityKey,
		SigningKey:            doc.SigningKey,
		SignedPreKeyID:        doc.SignedPreKeyID,
		SignedPreKey:          doc.SignedPreKey,
		SignedPreKeySignature: doc.SignedPreKeySignature,
	}
	if len(doc.OneTimePreKeys) > 0 {
		b.OneTimePreKeys = doc.OneTimePreKeys[:1]
	}
	return b, nil
}

// missing tells a revoked user from an unknown one.
func (r *BundleRepo) missing(ctx context.Context, userID string) error {
	n, err := r.prekeys.CountDocuments(ctx, bson.M{"_id": userID, "revoked": true})
	if err != nil {
		return err
	}
	if n > 0 {
		return model.ErrRecipientRevoked
	}
	return model.ErrNotFound
}

// Revoke marks userID as no longer reachable with end-to-end encryption and
// drops its one-time prekeys.
func (r *BundleRepo) Revoke(ctx context.Context, userID string) error {
	_, err := r.prekeys.UpdateOne(ctx,
		bson.M{"_id": userID},
		bson.M{"$set": bson.M{
			"revoked":           true,
			"one_time_pre_keys": []model.OneTimePreKeyPublic{},
			"updated_at":        time.Now().UTC(),
		}},
		options.Update().SetUpsert(true),
	)
	return err
}

// CountOneTimePreKeys returns how many one-time prekeys of userID remain.
func (r *BundleRepo) CountOneTimePreKeys(ctx context.Context, userID string) (int, error) {
	var doc preKeyDoc
	err := r.prekeys.FindOne(ctx, bson.M{"_id": userID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return 0, model.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return len(doc.OneTimePreKeys), nil
}

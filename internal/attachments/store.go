// Package attachments keeps exactly one visible payload document and one
// transport response per flow, replaced on every rebuild.
package attachments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a flow has no attachment of the requested kind.
var ErrNotFound = errors.New("attachments: not found")

// Kind identifies the attachment slot of a flow.
type Kind string

const (
	KindPayload  Kind = "payload"
	KindResponse Kind = "transport_response"
)

// Attachment is a document linked to a flow.
type Attachment struct {
	FlowID      int64
	Kind        Kind
	Revision    int
	Filename    string
	ContentType string
	Content     []byte
	Location    string
	Checksum    string
	UpdatedAt   time.Time
}

// Querier is satisfied by pgx.Tx and *pgxpool.Pool so attachments can be
// written inside the flow transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// BlobStore keeps attachment bytes outside the database.
type BlobStore interface {
	Write(ctx context.Context, name, contentType string, content []byte) (string, error)
	Read(ctx context.Context, location string) ([]byte, error)
}

// Store persists attachment metadata in Postgres. Bytes are stored inline
// unless a BlobStore is configured.
type Store struct {
	blobs BlobStore
	now   func() time.Time
}

// NewStore constructs a store. blobs may be nil for inline storage.
func NewStore(blobs BlobStore) *Store {
	return &Store{blobs: blobs, now: time.Now}
}

const upsertSQL = `INSERT INTO flow_attachments
	(flow_id, kind, revision, filename, content_type, content, location, checksum, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (flow_id, kind) DO UPDATE SET
	revision = EXCLUDED.revision,
	filename = EXCLUDED.filename,
	content_type = EXCLUDED.content_type,
	content = EXCLUDED.content,
	location = EXCLUDED.location,
	checksum = EXCLUDED.checksum,
	updated_at = EXCLUDED.updated_at`

// Upsert replaces the attachment of the given kind for the flow.
func (s *Store) Upsert(ctx context.Context, q Querier, att Attachment) error {
	if att.FlowID == 0 || att.Kind == "" {
		return fmt.Errorf("attachments: flow and kind required")
	}
	sum := sha256.Sum256(att.Content)
	att.Checksum = hex.EncodeToString(sum[:])
	att.UpdatedAt = s.now().UTC()

	content := att.Content
	if s.blobs != nil {
		name := fmt.Sprintf("flows/%d/%s/r%d-%s", att.FlowID, att.Kind, att.Revision, att.Filename)
		loc, err := s.blobs.Write(ctx, name, att.ContentType, att.Content)
		if err != nil {
			return fmt.Errorf("attachments: write blob: %w", err)
		}
		att.Location = loc
		content = nil
	}
	if _, err := q.Exec(ctx, upsertSQL,
		att.FlowID, string(att.Kind), att.Revision, att.Filename, att.ContentType,
		content, att.Location, att.Checksum, att.UpdatedAt,
	); err != nil {
		return fmt.Errorf("attachments: upsert: %w", err)
	}
	return nil
}

const getSQL = `SELECT revision, filename, content_type, content, location, checksum, updated_at
FROM flow_attachments WHERE flow_id = $1 AND kind = $2`

// Get loads the attachment of the given kind.
func (s *Store) Get(ctx context.Context, q Querier, flowID int64, kind Kind) (Attachment, error) {
	att := Attachment{FlowID: flowID, Kind: kind}
	var location *string
	err := q.QueryRow(ctx, getSQL, flowID, string(kind)).Scan(
		&att.Revision, &att.Filename, &att.ContentType, &att.Content, &location, &att.Checksum, &att.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Attachment{}, ErrNotFound
	}
	if err != nil {
		return Attachment{}, fmt.Errorf("attachments: get: %w", err)
	}
	if location != nil && *location != "" {
		att.Location = *location
		if s.blobs == nil {
			return Attachment{}, fmt.Errorf("attachments: %s stored externally but no blob store configured", att.Location)
		}
		data, err := s.blobs.Read(ctx, att.Location)
		if err != nil {
			return Attachment{}, fmt.Errorf("attachments: read blob: %w", err)
		}
		att.Content = data
	}
	return att, nil
}

// Delete removes the attachment of the given kind, if any.
func (s *Store) Delete(ctx context.Context, q Querier, flowID int64, kind Kind) error {
	if _, err := q.Exec(ctx, `DELETE FROM flow_attachments WHERE flow_id = $1 AND kind = $2`, flowID, string(kind)); err != nil {
		return fmt.Errorf("attachments: delete: %w", err)
	}
	return nil
}

package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/scrypster/recall/pkg/types"
)

// RecordColumnCount is the number of values produced by RecordValues and
// consumed by ScanRecord. Backends list their columns in this order:
//
//	id, user_id, conversation_id, sequence_number, role, kind, content,
//	content_format, emotion_label, emotion_intensity, emotion_category,
//	emotion_keywords, archetype, user_name, category, reference_count,
//	<embedding>, embedding_model, created_at
const RecordColumnCount = 19

// RowScanner is satisfied by *sql.Row and *sql.Rows.
type RowScanner interface {
	Scan(dest ...any) error
}

// RecordValues returns the column values of rec in backend column order.
func RecordValues(rec *types.MemoryRecord) ([]any, error) {
	var (
		emoLabel, emoCategory, emoKeywords any
		emoIntensity, seq                  any
		embedding, model                   any
	)

	if rec.SequenceNumber != nil {
		seq = *rec.SequenceNumber
	}

	if rec.Emotion != nil {
		emoLabel = rec.Emotion.Label
		emoIntensity = rec.Emotion.Intensity
		emoCategory = string(rec.Emotion.Category)
		if len(rec.Emotion.Keywords) > 0 {
			data, err := json.Marshal(rec.Emotion.Keywords)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal emotion keywords: %w", err)
			}
			emoKeywords = string(data)
		}
	}

	if len(rec.Embedding) > 0 {
		embedding = EncodeVector(rec.Embedding)
		model = rec.EmbeddingModel
	}

	return []any{
		rec.ID,
		rec.UserID,
		rec.ConversationID,
		seq,
		string(rec.Role),
		string(rec.Kind),
		rec.Content,
		int(rec.ContentFormat),
		emoLabel,
		emoIntensity,
		emoCategory,
		emoKeywords,
		nullableString(rec.Archetype),
		nullableString(rec.UserName),
		nullableString(rec.Category),
		rec.ReferenceCount,
		embedding,
		model,
		rec.CreatedAt.UTC(),
	}, nil
}

// ScanRecord reads one record in backend column order, followed by any extra
// destinations (such as a computed similarity). Legacy-format content is
// decoded on the way out.
func ScanRecord(row RowScanner, extra ...any) (types.MemoryRecord, error) {
	var (
		rec                                  types.MemoryRecord
		seq, emoIntensity                    sql.NullInt64
		role, kind                           string
		format                               int
		emoLabel, emoCategory, emoKeywords   sql.NullString
		archetype, userName, category, model sql.NullString
		embedding                            []byte
	)

	dest := []any{
		&rec.ID,
		&rec.UserID,
		&rec.ConversationID,
		&seq,
		&role,
		&kind,
		&rec.Content,
		&format,
		&emoLabel,
		&emoIntensity,
		&emoCategory,
		&emoKeywords,
		&archetype,
		&userName,
		&category,
		&rec.ReferenceCount,
		&embedding,
		&model,
		&rec.CreatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return rec, err
	}

	rec.Role = types.Role(role)
	rec.Kind = types.RecordKind(kind)
	rec.ContentFormat = types.ContentFormat(format)
	rec.Content = DecodeContent(rec.Content, rec.ContentFormat)
	rec.Archetype = archetype.String
	rec.UserName = userName.String
	rec.Category = category.String
	rec.CreatedAt = rec.CreatedAt.UTC()

	if seq.Valid {
		n := seq.Int64
		rec.SequenceNumber = &n
	}

	if emoIntensity.Valid {
		rec.Emotion = &types.Emotion{
			Label:     emoLabel.String,
			Intensity: int(emoIntensity.Int64),
			Category:  types.EmotionCategory(emoCategory.String),
		}
		if emoKeywords.Valid && emoKeywords.String != "" {
			if err := json.Unmarshal([]byte(emoKeywords.String), &rec.Emotion.Keywords); err != nil {
				return rec, fmt.Errorf("failed to unmarshal emotion keywords: %w", err)
			}
		}
	}

	if len(embedding) > 0 {
		vec, err := DecodeVector(embedding)
		if err != nil {
			return rec, err
		}
		rec.Embedding = vec
		rec.EmbeddingModel = model.String
	}

	return rec, nil
}

// ScanRecords drains rows into a slice and closes them.
func ScanRecords(rows *sql.Rows) ([]types.MemoryRecord, error) {
	defer rows.Close()

	var records []types.MemoryRecord
	for rows.Next() {
		rec, err := ScanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return records, nil
}

// OrderByIDs reorders records to follow ids, dropping unknown IDs.
func OrderByIDs(records []types.MemoryRecord, ids []string) []types.MemoryRecord {
	byID := make(map[string]types.MemoryRecord, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}
	out := make([]types.MemoryRecord, 0, len(ids))
	for _, id := range ids {
		if r, ok := byID[id]; ok {
			out = append(out, r)
		}
	}
	return out
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

package core

import "github.com/engram-labs/engram-go/pkg/storage"

// fromStorage converts a storage row into the public Memory type.
func fromStorage(m *storage.Memory) *Memory {
	return &Memory{
		ID:            m.ID,
		UserID:        m.UserID,
		Key:           m.Key,
		Content:       m.Content,
		Category:      m.Category,
		Metadata:      m.Metadata,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
		Score:         m.Score,
		AdjustedScore: storage.AdjustedScore(m),
	}
}

// fromStorageList converts a slice of storage rows.
func fromStorageList(memories []*storage.Memory) []*Memory {
	out := make([]*Memory, len(memories))
	for i, m := range memories {
		out[i] = fromStorage(m)
	}
	return out
}

package domain

import (
	"time"

	"gorm.io/gorm"
)

// Entry is a single vocabulary item driven through the image pipeline.
// Identity is deterministic: see idgen.EntryID. (word, part_of_sentence,
// category) is unique; re-creating the same tuple returns the existing row.
type Entry struct {
	ID              string         `gorm:"column:id;primaryKey" json:"id"`
	Word            string         `gorm:"column:word;not null;uniqueIndex:uq_entries_tuple" json:"word"`
	PartOfSentence  string         `gorm:"column:part_of_sentence;not null;uniqueIndex:uq_entries_tuple" json:"part_of_sentence"`
	Category        string         `gorm:"column:category;not null;uniqueIndex:uq_entries_tuple" json:"category"`
	Context         string         `gorm:"column:context" json:"context,omitempty"`
	BoyOrGirl       string         `gorm:"column:boy_or_girl" json:"boy_or_girl,omitempty"` // "boy" | "girl" | ""
	BatchLabel      string         `gorm:"column:batch_label;index" json:"batch_label,omitempty"`
	SourceRowHash   string         `gorm:"column:source_row_hash" json:"source_row_hash,omitempty"`
	CreatedAt       time.Time      `gorm:"column:created_at;not null;default:now()" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"column:updated_at;not null;default:now()" json:"updated_at"`
	DeletedAt       gorm.DeletedAt `gorm:"column:deleted_at;index" json:"deleted_at,omitempty"`
}

func (Entry) TableName() string { return "entries" }

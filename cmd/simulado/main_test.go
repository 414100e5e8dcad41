package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/provalab/simulado/internal/model"
	"github.com/provalab/simulado/internal/store"
)

func TestValidateImport(t *testing.T) {
	valid := model.QuestionImport{
		Statement: "2 + 2 = ?",
		Options: []model.OptionImport{
			{Text: "4", IsCorrect: true},
			{Text: "5"},
		},
	}

	tests := []struct {
		name    string
		mutate  func(q *model.QuestionImport)
		wantErr bool
	}{
		{"valid", func(*model.QuestionImport) {}, false},
		{"empty statement", func(q *model.QuestionImport) { q.Statement = "" }, true},
		{"single option", func(q *model.QuestionImport) { q.Options = q.Options[:1] }, true},
		{"no correct option", func(q *model.QuestionImport) { q.Options[0].IsCorrect = false }, true},
		{"two correct options", func(q *model.QuestionImport) { q.Options[1].IsCorrect = true }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := valid
			q.Options = append([]model.OptionImport(nil), valid.Options...)
			tt.mutate(&q)
			err := validateImport(q)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateImport = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadContent(t *testing.T) {
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	defer s.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "content.json")
	content := `[
		{
			"name": "Matemática",
			"questions": [
				{
					"statement": "2 + 2 = ?",
					"explanation": "arithmetic",
					"options": [
						{"text": "4", "is_correct": true},
						{"text": "5"}
					]
				}
			]
		}
	]`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write content file: %v", err)
	}

	if err := loadContent(s, []string{path}); err != nil {
		t.Fatalf("loadContent: %v", err)
	}
	n, err := s.CountQuestions(store.QuestionFilter{})
	if err != nil {
		t.Fatalf("CountQuestions: %v", err)
	}
	if n != 1 {
		t.Errorf("imported %d questions, want 1", n)
	}

	// Re-running against the unchanged file is a no-op.
	if err := loadContent(s, []string{path}); err != nil {
		t.Fatalf("loadContent (repeat): %v", err)
	}
	n, _ = s.CountQuestions(store.QuestionFilter{})
	if n != 1 {
		t.Errorf("repeat import grew the pool to %d questions", n)
	}
}

func TestLoadContentRejectsBadQuestion(t *testing.T) {
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	defer s.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	content := `[
		{
			"name": "Matemática",
			"questions": [
				{
					"statement": "broken",
					"options": [
						{"text": "a"},
						{"text": "b"}
					]
				}
			]
		}
	]`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write content file: %v", err)
	}

	if err := loadContent(s, []string{path}); err == nil {
		t.Fatal("loadContent accepted a question without a correct option")
	}
}

package orchestrator

import (
	"fmt"

	"campus-assistant/internal/ai"
	"campus-assistant/internal/intent"
	"campus-assistant/internal/memory"
)

// Stage is a step of one conversational turn. Stages only move forward.
type Stage int

const (
	StageClassify Stage = iota
	StageEnrichEntities
	StageFetchEvidence
	StageGenerate
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageClassify:
		return "CLASSIFY"
	case StageEnrichEntities:
		return "ENRICH_ENTITIES"
	case StageFetchEvidence:
		return "FETCH_EVIDENCE"
	case StageGenerate:
		return "GENERATE"
	case StageDone:
		return "DONE"
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// ConversationState is the working record of a single turn. It is built
// fresh for every Ask and never shared between goroutines.
type ConversationState struct {
	ThreadID    string
	Input       string
	ChatHistory []ai.Message

	Stage            Stage
	CurrentIntent    intent.Intent
	Entities         memory.Record
	EnrichedQuestion string
	SearchQuery      string
	Facts            string
	Context          string
	NoEvidence       bool
	Answer           string
}

func newState(req AskRequest, history []ai.Message) *ConversationState {
	return &ConversationState{
		ThreadID:      req.ThreadID,
		Input:         req.Question,
		ChatHistory:   history,
		Stage:         StageClassify,
		CurrentIntent: intent.Default,
		Entities:      memory.Record{},
	}
}

// advance moves to next, which must be the following stage.
func (s *ConversationState) advance(next Stage) {
	if next != s.Stage+1 {
		panic(fmt.Sprintf("orchestrator: illegal transition %s -> %s", s.Stage, next))
	}
	s.Stage = next
}

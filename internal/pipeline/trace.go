package pipeline

import (
	"fmt"
	"strings"
)

// Stage: состояние конвейера.
type Stage string

const (
	PreProcessing  Stage = "PRE_PROCESSING"
	ActionStage    Stage = "ACTION"
	PostProcessing Stage = "POST_PROCESSING"
)

// Виды единиц в трассе.
const (
	KindPermission = "permission"
	KindPlugin     = "plugin"
	KindRule       = "rule"
	KindStep       = "step"
	KindEntity     = "entity"
	KindValidation = "validation"
)

// Step: одна исполненная (или пропущенная) единица.
type Step struct {
	Stage   Stage  `json:"stage"`
	Kind    string `json:"kind"`
	Name    string `json:"name"`
	Outcome string `json:"outcome"`
}

// Trace: шаги в порядке исполнения.
type Trace []Step

func (t *Trace) add(st Stage, kind, name, outcome string) {
	*t = append(*t, Step{Stage: st, Kind: kind, Name: name, Outcome: outcome})
}

// Names: "kind:name" шагов стадии с данным исходом.
func (t Trace) Names(st Stage, outcome string) []string {
	var out []string
	for _, s := range t {
		if s.Stage == st && s.Outcome == outcome {
			out = append(out, s.Kind+":"+s.Name)
		}
	}
	return out
}

// String: построчная запись "STAGE kind name outcome".
func (t Trace) String() string {
	var b strings.Builder
	for _, s := range t {
		fmt.Fprintf(&b, "%s %s %s %s\n", s.Stage, s.Kind, s.Name, s.Outcome)
	}
	return b.String()
}

package prompt

import (
	"errors"
	"strings"
	"testing"

	"github.com/ashureev/tutorloop/internal/domain"
)

func fixture() (*domain.TopicBundle, *domain.Moment, *domain.Activity) {
	act := domain.Activity{
		ID:    "a1",
		Title: "Qué es un denominador",
		Teaching: domain.Teaching{
			Instructions:    "Explica que el denominador indica en cuántas partes iguales se divide el entero.",
			TargetWords:     120,
			SuggestedImages: []string{"pizza"},
		},
		Verification: domain.Verification{
			Question: "¿Qué indica el denominador de 3/4?",
			SuccessCriteria: domain.SuccessCriteria{
				RequiredFacts:      []string{"partes iguales", "el entero"},
				MinCompleteness:    70,
				UnderstandingLevel: domain.UnderstandingApplied,
			},
		},
		Reprompt: domain.RepromptStrategy{
			Incomplete:    "Pide que mencione las partes iguales.",
			MemorizedOnly: "Pide un ejemplo con una pizza.",
			Incorrect:     "Corrige con suavidad.",
			Hints:         []string{"Piensa en una pizza.", "¿En cuántas partes la cortaste?"},
		},
		Guardrails: &domain.Guardrails{
			ProhibitedTopics:  []string{"política"},
			ViolationResponse: "Soy instructora de {instructor_specialty}; sigamos con {moment_title}.",
		},
		Metadata: domain.ActivityMetadata{MaxReprompts: 2},
	}
	moment := domain.Moment{ID: "m1", Title: "Fracciones básicas", Activities: []domain.Activity{act}}
	bundle := &domain.TopicBundle{
		Topic: &domain.Topic{
			ID:         "fractions",
			Title:      "Fracciones",
			Objectives: []string{"Reconocer numerador y denominador"},
			Moments:    []domain.Moment{moment},
		},
		Instructor: domain.Instructor{Name: "Ana", Specialty: "matemáticas", Language: "Spanish"},
		Images:     []domain.Image{{ID: "pizza", Description: "Pizza en cuartos"}},
	}
	return bundle, &bundle.Topic.Moments[0], &bundle.Topic.Moments[0].Activities[0]
}

func TestBuildStaticBlocksContent(t *testing.T) {
	t.Parallel()

	bundle, moment, act := fixture()
	p, err := NewAssembler(Config{}).Build(Input{Bundle: bundle, Moment: moment, Activity: act, TotalActivities: 5})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(p.Static) != 2 {
		t.Fatalf("expected 2 static blocks, got %d", len(p.Static))
	}
	for i, b := range p.Static {
		if !b.Cacheable {
			t.Fatalf("static block %d must be cacheable", i)
		}
	}

	persona := p.Static[0].Text
	for _, want := range []string{"Ana", "matemáticas", "Reconocer numerador y denominador", "[image:pizza]", "at most ONE image"} {
		if !strings.Contains(persona, want) {
			t.Fatalf("persona block missing %q:\n%s", want, persona)
		}
	}

	activity := p.Static[1].Text
	for _, want := range []string{
		"Explica que el denominador",
		"¿Qué indica el denominador de 3/4?",
		"partes iguales",
		"70%",
		"apply the idea",
		"Pide un ejemplo con una pizza.",
		"1. Piensa en una pizza.",
		"Reprompt at most 2 times",
		"Soy instructora de matemáticas; sigamos con Fracciones básicas.",
	} {
		if !strings.Contains(activity, want) {
			t.Fatalf("activity block missing %q:\n%s", want, activity)
		}
	}
	if strings.Contains(activity, "{moment_title}") || strings.Contains(activity, "{instructor_specialty}") {
		t.Fatal("placeholders must be substituted")
	}

	blocks := p.Blocks()
	if len(blocks) != 3 || blocks[2].Cacheable {
		t.Fatalf("expected trailing non-cacheable dynamic block, got %+v", blocks)
	}
}

func TestBuildKeepsTurnDataOutOfStaticBlocks(t *testing.T) {
	t.Parallel()

	bundle, moment, act := fixture()
	a := NewAssembler(Config{})

	first, err := a.Build(Input{Bundle: bundle, Moment: moment, Activity: act, TotalActivities: 5})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	second, err := a.Build(Input{
		Bundle:          bundle,
		Moment:          moment,
		Activity:        act,
		TotalActivities: 5,
		CompletedIDs:    []string{"a0", "b0"},
		History: []domain.Message{
			{Role: domain.RoleStudent, Content: "QUIRKY-STUDENT-TEXT"},
			{Role: domain.RoleInstructor, Content: "Casi lo tienes, te falta algo."},
		},
		Signal: &TurnSignal{Intent: "question", Strategy: "answer_question", OnTopic: true},
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	for i := range first.Static {
		if first.Static[i] != second.Static[i] {
			t.Fatalf("static block %d changed between turns", i)
		}
		if strings.Contains(second.Static[i].Text, "QUIRKY-STUDENT-TEXT") {
			t.Fatalf("static block %d leaked history", i)
		}
	}
	if first.Dynamic == second.Dynamic {
		t.Fatal("dynamic block should reflect turn state")
	}
	for _, want := range []string{"Completed activities: 2 of 5", "Student: QUIRKY-STUDENT-TEXT", "[gave a hint", "question (on topic)"} {
		if !strings.Contains(second.Dynamic, want) {
			t.Fatalf("dynamic block missing %q:\n%s", want, second.Dynamic)
		}
	}
}

func TestBuildRequiresActivity(t *testing.T) {
	t.Parallel()

	bundle, moment, _ := fixture()
	_, err := NewAssembler(Config{}).Build(Input{Bundle: bundle, Moment: moment})
	if !errors.Is(err, domain.ErrStructureInvalid) {
		t.Fatalf("expected ErrStructureInvalid, got %v", err)
	}
	_, err = NewAssembler(Config{}).Build(Input{})
	if !errors.Is(err, domain.ErrStructureInvalid) {
		t.Fatalf("expected ErrStructureInvalid, got %v", err)
	}
}

func TestRenderRedirectDefault(t *testing.T) {
	t.Parallel()

	got := RenderRedirect(nil, "historia", "La Edad Media")
	if !strings.Contains(got, "historia") || !strings.Contains(got, "La Edad Media") {
		t.Fatalf("unexpected redirect: %q", got)
	}
	if strings.Contains(got, "{") {
		t.Fatalf("unsubstituted placeholder in %q", got)
	}
}

func TestBuildWithoutImages(t *testing.T) {
	t.Parallel()

	bundle, moment, act := fixture()
	bundle.Images = nil
	p, err := NewAssembler(Config{}).Build(Input{Bundle: bundle, Moment: moment, Activity: act})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !strings.Contains(p.Static[0].Text, "Do not reference images") {
		t.Fatalf("expected no-image policy:\n%s", p.Static[0].Text)
	}
}

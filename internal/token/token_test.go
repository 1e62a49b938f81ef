package token

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/soulrelay/soulrelay/internal/relayerr"
)

func TestIssueThenValidateConsumesSingleUse(t *testing.T) {
	reg := New(time.Minute)

	tok, err := reg.Issue(PurposeFileUpload, "agent-1", "song.mp3")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	rec, err := reg.Validate(tok, PurposeFileUpload, "agent-1", "song.mp3", true)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if rec.AgentName != "agent-1" || rec.Args != "song.mp3" {
		t.Fatalf("unexpected record: %+v", rec)
	}

	if _, err := reg.Validate(tok, PurposeFileUpload, "agent-1", "song.mp3", true); err == nil {
		t.Fatal("expected second Validate of a single-use token to fail")
	}
}

func TestFileDownloadTokenSurvivesRepeatedValidation(t *testing.T) {
	reg := New(time.Minute)

	tok, err := reg.Issue(PurposeFileDownload, "agent-1", "song.mp3")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := reg.Validate(tok, PurposeFileDownload, "agent-1", "song.mp3", false); err != nil {
			t.Fatalf("Validate attempt %d: %v", i, err)
		}
	}
}

func TestValidateRejectsMismatchedAgent(t *testing.T) {
	reg := New(time.Minute)

	tok, err := reg.Issue(PurposeShareUpload, "agent-1", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	_, err = reg.Validate(tok, PurposeShareUpload, "agent-2", "", true)
	if err == nil {
		t.Fatal("expected Validate to reject a different Agent name")
	}
	re, ok := relayerr.As(err)
	if !ok || re.Kind != relayerr.Unauthorized {
		t.Fatalf("expected Unauthorized relayerr, got %v", err)
	}
}

func TestValidateRejectsUnknownToken(t *testing.T) {
	reg := New(time.Minute)
	_, err := reg.Validate(uuid.New(), PurposeFileUpload, "agent-1", "x", true)
	if err == nil {
		t.Fatal("expected Validate to reject an unknown token")
	}
}

func TestExpireRemovesStaleRecords(t *testing.T) {
	reg := New(time.Millisecond)

	tok, err := reg.Issue(PurposeFileUpload, "agent-1", "song.mp3")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	reg.Expire()

	if _, err := reg.Validate(tok, PurposeFileUpload, "agent-1", "song.mp3", true); err == nil {
		t.Fatal("expected Validate to reject a token removed by Expire")
	}
}

func TestValidateRejectsExpiredWithoutSweep(t *testing.T) {
	reg := New(time.Millisecond)

	tok, err := reg.Issue(PurposeFileUpload, "agent-1", "song.mp3")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	if _, err := reg.Validate(tok, PurposeFileUpload, "agent-1", "song.mp3", true); err == nil {
		t.Fatal("expected Validate to reject an expired token even before Expire runs")
	}
}

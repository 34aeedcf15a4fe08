package journal

import (
	"path/filepath"
	"testing"

	"trackd/internal/track"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "trackd.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func sampleJob(id string) *track.TrackingJob {
	return &track.TrackingJob{
		ID:          id,
		VideoID:     "vid-1",
		VideoPath:   "/videos/clip.mp4",
		TotalFrames: 1200,
		FPS:         30,
		EngineID:    "facemesh",
	}
}

func TestJobLifecycleRoundTrip(t *testing.T) {
	j := openTestJournal(t)
	job := sampleJob("job-1")

	if err := j.JobStarted(job); err != nil {
		t.Fatalf("JobStarted: %v", err)
	}

	rec, err := j.GetJob("job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if rec == nil {
		t.Fatal("job not found after start")
	}
	if rec.Status != "running" || rec.FinishedAt != nil {
		t.Fatalf("fresh job state %+v", rec)
	}
	if rec.TotalFrames != 1200 || rec.EngineID != "facemesh" {
		t.Fatalf("job fields lost: %+v", rec)
	}

	if err := j.JobFinished("job-1", track.ModeGPUExclusive, track.StatusCompletedWithGaps, 17); err != nil {
		t.Fatalf("JobFinished: %v", err)
	}
	rec, err = j.GetJob("job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if rec.Status != string(track.StatusCompletedWithGaps) {
		t.Fatalf("status %q", rec.Status)
	}
	if rec.Mode != string(track.ModeGPUExclusive) || rec.Placeholders != 17 {
		t.Fatalf("finished job state %+v", rec)
	}
	if rec.FinishedAt == nil {
		t.Fatal("finished_at not stamped")
	}
}

func TestGetJobUnknownReturnsNil(t *testing.T) {
	j := openTestJournal(t)
	rec, err := j.GetJob("nope")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if rec != nil {
		t.Fatalf("got %+v for unknown job", rec)
	}
}

func TestListJobsNewestFirst(t *testing.T) {
	j := openTestJournal(t)
	for _, id := range []string{"job-a", "job-b", "job-c"} {
		if err := j.JobStarted(sampleJob(id)); err != nil {
			t.Fatalf("JobStarted(%s): %v", id, err)
		}
	}

	jobs, err := j.ListJobs(2)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("got %d jobs, want 2", len(jobs))
	}
}

func TestChunkFailuresRoundTrip(t *testing.T) {
	j := openTestJournal(t)
	if err := j.JobStarted(sampleJob("job-1")); err != nil {
		t.Fatalf("JobStarted: %v", err)
	}

	failures := []track.ChunkError{
		{ChunkIndex: 2, StartFrame: 201, EndFrame: 300, Attempts: 2, Detail: "seek to frame 200: decoder wedged"},
		{ChunkIndex: 5, StartFrame: 501, EndFrame: 600, Attempts: 2, Detail: "stream ended at frame 544"},
	}
	for _, f := range failures {
		if err := j.SaveChunkFailure("job-1", f); err != nil {
			t.Fatalf("SaveChunkFailure: %v", err)
		}
	}

	got, err := j.ListChunkFailures("job-1")
	if err != nil {
		t.Fatalf("ListChunkFailures: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d failures, want 2", len(got))
	}
	if got[0].ChunkIndex != 2 || got[1].ChunkIndex != 5 {
		t.Fatalf("failures out of order: %+v", got)
	}
	if got[0].Detail != failures[0].Detail || got[0].Attempts != 2 {
		t.Fatalf("failure fields lost: %+v", got[0])
	}
}

func TestSaveEvent(t *testing.T) {
	j := openTestJournal(t)
	if err := j.JobStarted(sampleJob("job-1")); err != nil {
		t.Fatalf("JobStarted: %v", err)
	}
	if err := j.SaveEvent("job-1", "fallback", "facemesh -> blobtrack"); err != nil {
		t.Fatalf("SaveEvent: %v", err)
	}
}

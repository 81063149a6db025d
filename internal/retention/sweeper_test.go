package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you-humble/dicomproc/internal/domain"
)

type fakeStudyStore struct {
	studies map[int64]*domain.Study

	deleted   []int64
	deleteErr map[int64]error
}

func newFakeStudyStore(studies ...domain.Study) *fakeStudyStore {
	s := &fakeStudyStore{studies: map[int64]*domain.Study{}, deleteErr: map[int64]error{}}
	for i := range studies {
		st := studies[i]
		s.studies[st.ID] = &st
	}
	return s
}

func (s *fakeStudyStore) PurgeCandidates(_ context.Context, before time.Time) ([]domain.Study, error) {
	var out []domain.Study
	for _, st := range s.studies {
		if st.Status == domain.StudyArchived && st.RetentionUntil != nil && st.RetentionUntil.Before(before) {
			out = append(out, *st)
		}
	}
	return out, nil
}

func (s *fakeStudyStore) MissingRetention(_ context.Context, limit int) ([]domain.Study, error) {
	var out []domain.Study
	for _, st := range s.studies {
		if st.RetentionUntil == nil {
			out = append(out, *st)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStudyStore) SetRetention(_ context.Context, studyID int64, until time.Time) error {
	st, ok := s.studies[studyID]
	if !ok {
		return domain.ErrStudyNotFound
	}
	st.RetentionUntil = &until
	return nil
}

func (s *fakeStudyStore) Delete(_ context.Context, studyID int64) error {
	if err := s.deleteErr[studyID]; err != nil {
		return err
	}
	if _, ok := s.studies[studyID]; !ok {
		return domain.ErrStudyNotFound
	}
	delete(s.studies, studyID)
	s.deleted = append(s.deleted, studyID)
	return nil
}

func (s *fakeStudyStore) StuckInProgress(_ context.Context, cutoff time.Time) ([]domain.Study, error) {
	var out []domain.Study
	for _, st := range s.studies {
		if st.Status == domain.StudyInProgress && st.UpdatedAt.Before(cutoff) {
			out = append(out, *st)
		}
	}
	return out, nil
}

type fakeImageStore struct {
	paths map[int64][]string
}

func (s *fakeImageStore) ArtifactPaths(_ context.Context, studyID int64) ([]string, error) {
	return s.paths[studyID], nil
}

func (s *fakeImageStore) CountByStudy(_ context.Context, studyID int64) (int, error) {
	return len(s.paths[studyID]), nil
}

type fakeBlob struct {
	deleted []string
	err     error
}

func (b *fakeBlob) DeleteAll(_ context.Context, names []string) error {
	if b.err != nil {
		return b.err
	}
	b.deleted = append(b.deleted, names...)
	return nil
}

type auditEntry struct {
	rec     domain.AuditRecord
	details map[string]any
}

type fakeAuditor struct {
	entries []auditEntry
}

func (a *fakeAuditor) Emit(_ context.Context, rec domain.AuditRecord, details map[string]any) {
	a.entries = append(a.entries, auditEntry{rec: rec, details: details})
}

func testConfig() Config {
	return Config{
		PeriodDays:       6 * 365,
		PurgeInterval:    24 * time.Hour,
		BackfillInterval: 6 * time.Hour,
		WatchdogInterval: 15 * time.Minute,
		StuckAfter:       30 * time.Minute,
	}
}

func archivedStudy(id, hospitalID int64, retentionUntil time.Time) domain.Study {
	return domain.Study{
		ID:             id,
		PatientID:      1,
		HospitalID:     hospitalID,
		PatientMRN:     "MRN-1",
		Modality:       "MR",
		StudyDate:      retentionUntil.AddDate(-6, 0, 0),
		Status:         domain.StudyArchived,
		RetentionUntil: &retentionUntil,
	}
}

func TestPurgeExpired(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	expired := archivedStudy(1, 3, now.AddDate(0, 0, -1))
	fresh := archivedStudy(2, 3, now.AddDate(0, 0, 30))
	active := archivedStudy(3, 3, now.AddDate(0, 0, -1))
	active.Status = domain.StudyCompleted

	studies := newFakeStudyStore(expired, fresh, active)
	images := &fakeImageStore{paths: map[int64][]string{
		1: {"studies/1/1.jpg", "studies/1/2.jpg"},
	}}
	blob := &fakeBlob{}
	auditor := &fakeAuditor{}

	s := NewSweeper(testConfig(), studies, images, blob, auditor)
	s.now = func() time.Time { return now }

	summary, err := s.PurgeExpired(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Purged)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, map[int64]int{3: 1}, summary.ByHospital)

	assert.Equal(t, []int64{1}, studies.deleted)
	assert.ElementsMatch(t, []string{"studies/1/1.jpg", "studies/1/2.jpg"}, blob.deleted)

	// Only completed/archived state keeps the other rows alive.
	_, stillThere := studies.studies[2]
	assert.True(t, stillThere)
	_, stillThere = studies.studies[3]
	assert.True(t, stillThere)

	require.Len(t, auditor.entries, 1)
	e := auditor.entries[0]
	assert.Equal(t, domain.ActionDelete, e.rec.Action)
	assert.Equal(t, int64(1), e.rec.ResourceID)
	assert.Equal(t, domain.ActorSystem, e.rec.ActorType)
	assert.Equal(t, "retention_expired", e.details["reason"])
	assert.Equal(t, 2, e.details["image_count"])

	// The purged study is gone from the next sweep.
	summary, err = s.PurgeExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Purged)
	assert.Len(t, auditor.entries, 1, "no second delete record for an already purged study")
}

func TestPurgeExpiredKeepsDeadlineDay(t *testing.T) {
	// Sweep runs midday; a deadline of today is still inside the retention
	// period and must survive, a deadline of yesterday must not.
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	dueToday := archivedStudy(1, 3, time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC))
	dueYesterday := archivedStudy(2, 3, time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC))

	studies := newFakeStudyStore(dueToday, dueYesterday)
	s := NewSweeper(testConfig(), studies, &fakeImageStore{paths: map[int64][]string{}}, &fakeBlob{}, &fakeAuditor{})
	s.now = func() time.Time { return now }

	summary, err := s.PurgeExpired(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Purged)
	assert.Equal(t, []int64{2}, studies.deleted)
	_, stillThere := studies.studies[1]
	assert.True(t, stillThere, "a study expiring today is purged tomorrow at the earliest")
}

func TestPurgeExpiredOneFailureDoesNotStopPass(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	a := archivedStudy(1, 3, now.AddDate(0, 0, -2))
	b := archivedStudy(2, 4, now.AddDate(0, 0, -1))

	studies := newFakeStudyStore(a, b)
	studies.deleteErr[1] = errors.New("row locked")
	blob := &fakeBlob{}

	s := NewSweeper(testConfig(), studies, &fakeImageStore{paths: map[int64][]string{}}, blob, &fakeAuditor{})
	s.now = func() time.Time { return now }

	summary, err := s.PurgeExpired(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Purged)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, []int64{2}, studies.deleted)
}

func TestPurgeExpiredAuditPrecedesDeletion(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	st := archivedStudy(1, 3, now.AddDate(0, 0, -1))

	studies := newFakeStudyStore(st)
	blob := &fakeBlob{err: errors.New("storage down")}
	auditor := &fakeAuditor{}

	s := NewSweeper(testConfig(), studies, &fakeImageStore{paths: map[int64][]string{}}, blob, auditor)
	s.now = func() time.Time { return now }

	summary, err := s.PurgeExpired(context.Background())
	require.NoError(t, err)

	// The delete failed but the intent is on the trail.
	assert.Equal(t, 1, summary.Failed)
	assert.Len(t, auditor.entries, 1)
	assert.Empty(t, studies.deleted)
}

func TestBackfillDeadlines(t *testing.T) {
	old := domain.Study{
		ID:        1,
		StudyDate: time.Date(2020, 5, 10, 0, 0, 0, 0, time.UTC),
		Status:    domain.StudyCompleted,
	}
	covered := archivedStudy(2, 3, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC))

	studies := newFakeStudyStore(old, covered)
	s := NewSweeper(testConfig(), studies, &fakeImageStore{}, &fakeBlob{}, &fakeAuditor{})

	n, err := s.BackfillDeadlines(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	until := studies.studies[1].RetentionUntil
	require.NotNil(t, until)
	want := old.StudyDate.Add(time.Duration(6*365) * 24 * time.Hour)
	assert.True(t, until.Equal(want), "deadline must be study date plus the retention period")
}

func TestReportStuck(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	stuck := domain.Study{ID: 1, Status: domain.StudyInProgress, UpdatedAt: now.Add(-2 * time.Hour)}
	recent := domain.Study{ID: 2, Status: domain.StudyInProgress, UpdatedAt: now.Add(-5 * time.Minute)}
	done := domain.Study{ID: 3, Status: domain.StudyCompleted, UpdatedAt: now.Add(-3 * time.Hour)}

	studies := newFakeStudyStore(stuck, recent, done)
	s := NewSweeper(testConfig(), studies, &fakeImageStore{}, &fakeBlob{}, &fakeAuditor{})
	s.now = func() time.Time { return now }

	got, err := s.ReportStuck(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].ID)

	// Surfacing must not mutate anything.
	assert.Equal(t, domain.StudyInProgress, studies.studies[1].Status)
}

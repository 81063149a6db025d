package pipeline

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/you-humble/dicomproc/internal/domain"
)

// fakeLocker records acquire/release calls in memory.
type fakeLocker struct {
	mu         sync.Mutex
	held       map[string]string
	acquireErr error
	releases   []string
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: map[string]string{}}
}

func (l *fakeLocker) Acquire(_ context.Context, key, owner string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.acquireErr != nil {
		return false, l.acquireErr
	}
	if _, ok := l.held[key]; ok {
		return false, nil
	}
	l.held[key] = owner
	return true, nil
}

func (l *fakeLocker) Peek(_ context.Context, key string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	owner, ok := l.held[key]
	return owner, ok, nil
}

func (l *fakeLocker) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	l.releases = append(l.releases, key)
	return nil
}

type fakeStudyStore struct {
	mu      sync.Mutex
	studies map[int64]*domain.Study

	completeErr error
}

func newFakeStudyStore(studies ...domain.Study) *fakeStudyStore {
	s := &fakeStudyStore{studies: map[int64]*domain.Study{}}
	for i := range studies {
		st := studies[i]
		s.studies[st.ID] = &st
	}
	return s
}

func (s *fakeStudyStore) ByID(_ context.Context, id int64) (domain.Study, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.studies[id]
	if !ok {
		return domain.Study{}, domain.ErrStudyNotFound
	}
	return *st, nil
}

func (s *fakeStudyStore) LockForProcessing(_ context.Context, id int64) (domain.Study, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.studies[id]
	if !ok {
		return domain.Study{}, domain.ErrStudyNotFound
	}
	if st.Status == domain.StudyCompleted {
		return domain.Study{}, domain.ErrAlreadyCompleted
	}
	st.Status = domain.StudyInProgress
	st.ErrorMessage = ""
	return *st, nil
}

func (s *fakeStudyStore) Complete(_ context.Context, id int64, pipelineVersion string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completeErr != nil {
		return s.completeErr
	}
	st, ok := s.studies[id]
	if !ok {
		return domain.ErrStudyNotFound
	}
	st.Status = domain.StudyCompleted
	st.PipelineVersion = pipelineVersion
	return nil
}

func (s *fakeStudyStore) Fail(_ context.Context, id int64, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.studies[id]
	if !ok {
		return domain.ErrStudyNotFound
	}
	st.Status = domain.StudyFailed
	st.ErrorMessage = message
	return nil
}

func (s *fakeStudyStore) ByPatient(_ context.Context, patientID int64) ([]domain.Study, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Study
	for _, st := range s.studies {
		if st.PatientID == patientID {
			out = append(out, *st)
		}
	}
	return out, nil
}

func (s *fakeStudyStore) get(id int64) domain.Study {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.studies[id]
}

type fakeImageStore struct {
	mu      sync.Mutex
	nextID  int64
	nextNum int
	images  []domain.Image

	existingSOP map[string]bool
	createErr   error
	panicOnNext bool
}

func newFakeImageStore() *fakeImageStore {
	return &fakeImageStore{nextNum: 1, existingSOP: map[string]bool{}}
}

func (s *fakeImageStore) NextInstanceNumber(_ context.Context, _ int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panicOnNext {
		panic("image store exploded")
	}
	n := s.nextNum
	s.nextNum++
	return n, nil
}

func (s *fakeImageStore) SOPInstanceExists(_ context.Context, sopInstanceUID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.existingSOP[sopInstanceUID], nil
}

func (s *fakeImageStore) Create(_ context.Context, img domain.Image) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return 0, s.createErr
	}
	if img.SOPInstanceUID != "" && s.existingSOP[img.SOPInstanceUID] {
		return 0, domain.ErrDuplicateSOPInstance
	}
	s.nextID++
	img.ID = s.nextID
	s.images = append(s.images, img)
	if img.SOPInstanceUID != "" {
		s.existingSOP[img.SOPInstanceUID] = true
	}
	return img.ID, nil
}

func (s *fakeImageStore) CountByStudy(_ context.Context, studyID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, img := range s.images {
		if img.StudyID == studyID {
			n++
		}
	}
	return n, nil
}

type jobFinish struct {
	status domain.JobStatus
	result []byte
	errMsg string
}

type fakeJobStore struct {
	mu       sync.Mutex
	jobs     map[string]domain.Job
	progress [][2]int
	finishes map[string]jobFinish
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: map[string]domain.Job{}, finishes: map[string]jobFinish{}}
}

func (s *fakeJobStore) Upsert(_ context.Context, job domain.Job) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.Status = domain.JobProcessing
	s.jobs[job.ID] = job
	return job, nil
}

func (s *fakeJobStore) SetProgress(_ context.Context, id string, processed, failed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, [2]int{processed, failed})
	job := s.jobs[id]
	job.ProcessedItems = processed
	job.FailedItems = failed
	s.jobs[id] = job
	return nil
}

func (s *fakeJobStore) Finish(_ context.Context, id string, status domain.JobStatus, result []byte, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return domain.ErrJobNotFound
	}
	s.finishes[id] = jobFinish{status: status, result: result, errMsg: errMsg}
	return nil
}

type fakeBlob struct {
	mu      sync.Mutex
	objects map[string][]byte

	// failOn makes Save error for names containing the substring.
	failOn string
}

func newFakeBlob() *fakeBlob {
	return &fakeBlob{objects: map[string][]byte{}}
}

func (b *fakeBlob) Save(_ context.Context, name string, content []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failOn != "" && bytes.Contains([]byte(name), []byte(b.failOn)) {
		return "", errors.New("object storage unavailable")
	}
	b.objects[name] = content
	return name, nil
}

func (b *fakeBlob) Delete(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, name)
	return nil
}

type auditEntry struct {
	rec     domain.AuditRecord
	details map[string]any
}

type fakeAuditor struct {
	mu      sync.Mutex
	entries []auditEntry
}

func (a *fakeAuditor) Emit(_ context.Context, rec domain.AuditRecord, details map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, auditEntry{rec: rec, details: details})
}

func (a *fakeAuditor) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.rec.Action)
	}
	return out
}

// dicomFile builds a minimal explicit VR little endian DICOM file with a 2x2
// 8-bit monochrome frame.
func dicomFile(sopUID string) []byte {
	var buf bytes.Buffer
	buf.Write(make([]byte, 128))
	buf.WriteString("DICM")

	writeEl := func(group, elem uint16, vr string, val []byte) {
		binary.Write(&buf, binary.LittleEndian, group) //nolint:errcheck
		binary.Write(&buf, binary.LittleEndian, elem)  //nolint:errcheck
		buf.WriteString(vr)
		switch vr {
		case "OB", "OW", "OF", "SQ", "UT", "UN":
			buf.Write([]byte{0, 0})
			binary.Write(&buf, binary.LittleEndian, uint32(len(val))) //nolint:errcheck
		default:
			binary.Write(&buf, binary.LittleEndian, uint16(len(val))) //nolint:errcheck
		}
		buf.Write(val)
	}
	pad := func(s string) []byte {
		b := []byte(s)
		if len(b)%2 != 0 {
			b = append(b, 0)
		}
		return b
	}
	us := func(v uint16) []byte {
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, v)
		return b
	}

	writeEl(0x0002, 0x0010, "UI", pad("1.2.840.10008.1.2.1"))
	writeEl(0x0008, 0x0018, "UI", pad(sopUID))
	writeEl(0x0008, 0x0060, "CS", pad("CT"))
	writeEl(0x0028, 0x0004, "CS", pad("MONOCHROME2 "))
	writeEl(0x0028, 0x0010, "US", us(2))
	writeEl(0x0028, 0x0011, "US", us(2))
	writeEl(0x0028, 0x0100, "US", us(8))
	writeEl(0x0028, 0x0101, "US", us(8))
	writeEl(0x7FE0, 0x0010, "OW", []byte{0, 85, 170, 255})

	return buf.Bytes()
}

// corruptDicomFile carries the magic but an unparseable dataset.
func corruptDicomFile() []byte {
	var buf bytes.Buffer
	buf.Write(make([]byte, 128))
	buf.WriteString("DICM")
	buf.Write([]byte{0xDE, 0xAD, 0xBE, 0xEF, 0xDE, 0xAD, 0xBE, 0xEF, 0xFF})
	return buf.Bytes()
}

func newTestOrchestrator(
	locker *fakeLocker,
	studies *fakeStudyStore,
	images *fakeImageStore,
	jobs *fakeJobStore,
	blob *fakeBlob,
	auditor *fakeAuditor,
) *Orchestrator {
	cfg := Config{
		PipelineVersion: "v2.1.0",
		JPEGQuality:     90,
		LockTTL:         10 * time.Minute,
	}
	return NewOrchestrator(cfg, locker, studies, images, jobs, blob, auditor)
}

func testStudy(id int64) domain.Study {
	return domain.Study{
		ID:         id,
		PatientID:  7,
		HospitalID: 3,
		PatientMRN: fmt.Sprintf("MRN-%04d", id),
		Modality:   "CT",
		BodyPart:   "CHEST",
		StudyDate:  time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
		Status:     domain.StudyPending,
	}
}

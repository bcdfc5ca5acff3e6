package directory

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-memory directory for dev and tests.
type Memory struct {
	mu       sync.RWMutex
	students map[string]Student
	subjects map[string]Subject
}

// NewMemory creates an empty in-memory directory.
func NewMemory() *Memory {
	return &Memory{
		students: make(map[string]Student),
		subjects: make(map[string]Subject),
	}
}

// AddStudent registers a student.
func (m *Memory) AddStudent(s Student) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.students[s.ID] = s
}

// AddSubject registers a subject.
func (m *Memory) AddSubject(s Subject) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subjects[s.ID] = s
}

// Student returns a student by ID.
func (m *Memory) Student(ctx context.Context, id string) (Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.students[id]
	if !ok {
		return Student{}, ErrNotFound
	}
	return s, nil
}

// Subject returns a subject by ID.
func (m *Memory) Subject(ctx context.Context, id string) (Subject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subjects[id]
	if !ok {
		return Subject{}, ErrNotFound
	}
	return s, nil
}

// StudentsByClass returns all students of a class ordered by name.
func (m *Memory) StudentsByClass(ctx context.Context, classID string) ([]Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Student
	for _, s := range m.students {
		if s.ClassID == classID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// SubjectsByClass returns all subjects taught to a class.
func (m *Memory) SubjectsByClass(ctx context.Context, classID string) ([]Subject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Subject
	for _, s := range m.subjects {
		if s.ClassID == classID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

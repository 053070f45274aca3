package order

import (
	"encoding/json"
	stderrors "errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/idompolo/call-agent-sub001/errors"
)

type RegistrySuite struct {
	suite.Suite
	reg     *Registry
	changes []Change
	mu      sync.Mutex
}

func (s *RegistrySuite) SetupTest() {
	s.reg = NewRegistry()
	s.changes = nil
	s.reg.OnChange(func(c Change) {
		s.mu.Lock()
		s.changes = append(s.changes, c)
		s.mu.Unlock()
	})
	s.reg.ReplaceAll([]Record{
		{ID: 1, Status: "waiting", Telephone: "010-1111-2222"},
		{ID: 2, Status: "waiting", AddAgent: "3"},
		{ID: 3, Status: "waiting"},
	})
}

func (s *RegistrySuite) kinds() []ChangeKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChangeKind, len(s.changes))
	for i, c := range s.changes {
		out[i] = c.Kind
	}
	return out
}

func (s *RegistrySuite) ids() []int64 {
	var out []int64
	for _, r := range s.reg.All() {
		out = append(out, r.ID)
	}
	return out
}

func (s *RegistrySuite) TestReplaceAllKeepsOrder() {
	s.Equal([]int64{1, 2, 3}, s.ids())
	s.Equal(3, s.reg.Len())

	s.reg.ReplaceAll([]Record{{ID: 9}, {ID: 4}, {ID: 9, Status: "later"}})
	s.Equal([]int64{9, 4}, s.ids())
	rec, ok := s.reg.Get(9)
	s.Require().True(ok)
	s.Equal("later", rec.Status)
}

func (s *RegistrySuite) TestFullSyncThenAccept() {
	rec, err := s.reg.Upsert(1, Patch{AcceptAgent: Ptr("7")})
	s.Require().NoError(err)
	s.Equal("accepted(7)", rec.DisplayStatus())

	got, ok := s.reg.Get(1)
	s.Require().True(ok)
	s.Equal("accepted(7)", DeriveStatus(got))
	s.Equal("010-1111-2222", got.Telephone, "omitted fields are untouched")
}

func (s *RegistrySuite) TestUpsertUnknownID() {
	before := s.reg.All()
	version := s.reg.Version()

	_, err := s.reg.Upsert(999, Patch{Status: Ptr("driving")})
	s.Require().Error(err)
	s.True(stderrors.Is(err, errors.ErrUnknownOrder))
	s.True(errors.IsInvalid(err))

	_, ok := s.reg.Get(999)
	s.False(ok)
	s.Equal(before, s.reg.All())
	s.Equal(version, s.reg.Version())
}

func (s *RegistrySuite) TestUpsertIsIdempotent() {
	patch := Patch{
		AcceptAgent: Ptr("7"),
		AcceptedAt:  Ptr(int64(1714525320000)),
		Actions:     []Action{{ID: "a-1", Name: "call-customer"}},
		Messages:    []Message{{Text: "on my way", From: "D-7", At: 5}},
		Extra:       map[string]json.RawMessage{"fare": json.RawMessage(`1200`)},
	}

	once, err := s.reg.Upsert(2, patch)
	s.Require().NoError(err)
	version := s.reg.Version()

	twice, err := s.reg.Upsert(2, patch)
	s.Require().NoError(err)

	if diff := cmp.Diff(once, twice); diff != "" {
		s.Failf("second upsert changed the record", "(-once +twice):\n%s", diff)
	}
	s.Equal(version, s.reg.Version(), "a repeated patch is not a mutation")
	s.Len(twice.Actions, 1)
	s.Len(twice.Messages, 1)
}

func (s *RegistrySuite) TestNonOverlappingPatchesCommute() {
	a := Patch{AcceptAgent: Ptr("7"), CarNo: Ptr("12가3456")}
	b := Patch{Memo: Ptr("back door"), Lat: Ptr(37.5), Messages: []Message{{ID: "m-1", Text: "hi"}}}

	_, err := s.reg.Upsert(1, a)
	s.Require().NoError(err)
	_, err = s.reg.Upsert(1, b)
	s.Require().NoError(err)
	ab, _ := s.reg.Get(1)

	_, err = s.reg.Upsert(3, b)
	s.Require().NoError(err)
	_, err = s.reg.Upsert(3, a)
	s.Require().NoError(err)
	ba, _ := s.reg.Get(3)

	ba.ID = ab.ID
	ba.Telephone = ab.Telephone
	if diff := cmp.Diff(ab, ba); diff != "" {
		s.Failf("patch order changed the record", "(-a then b +b then a):\n%s", diff)
	}
}

func (s *RegistrySuite) TestInsertMergesExisting() {
	rec, added := s.reg.Insert(Record{ID: 4, Status: "waiting", CustomerName: "Kim"})
	s.True(added)
	s.Equal("Kim", rec.CustomerName)
	s.Equal([]int64{1, 2, 3, 4}, s.ids())

	rec, added = s.reg.Insert(Record{ID: 1, Address: "Gangnam-gu 1"})
	s.False(added)
	s.Equal("Gangnam-gu 1", rec.Address)
	s.Equal("010-1111-2222", rec.Telephone)
	s.Equal("waiting", rec.Status)
}

func (s *RegistrySuite) TestSelectionClearedOnRemove() {
	s.True(s.reg.Select(2))
	sel, ok := s.reg.Selected()
	s.Require().True(ok)
	s.Equal(int64(2), sel.ID)

	s.True(s.reg.Remove(2))
	_, ok = s.reg.Selected()
	s.False(ok)
	s.False(s.reg.Remove(2))
}

func (s *RegistrySuite) TestSelectionOfIDZero() {
	s.reg.ReplaceAll([]Record{{ID: 0, Status: "waiting"}, {ID: 1}})
	s.True(s.reg.Select(0))
	sel, ok := s.reg.Selected()
	s.Require().True(ok, "zero is an id like any other")
	s.Equal(int64(0), sel.ID)

	s.reg.ReplaceAll([]Record{{ID: 0}})
	_, ok = s.reg.Selected()
	s.True(ok)

	s.reg.ClearSelection()
	_, ok = s.reg.Selected()
	s.False(ok)

	s.True(s.reg.Select(0))
	s.True(s.reg.Remove(0))
	_, ok = s.reg.Selected()
	s.False(ok)
}

func (s *RegistrySuite) TestSelectionClearedByReplaceWithoutID() {
	s.True(s.reg.Select(3))

	s.reg.ReplaceAll([]Record{{ID: 3}, {ID: 5}})
	_, ok := s.reg.Selected()
	s.True(ok, "selection survives a replace that keeps the id")

	s.reg.ReplaceAll([]Record{{ID: 5}})
	_, ok = s.reg.Selected()
	s.False(ok)
}

func (s *RegistrySuite) TestSelectUnknownKeepsSelection() {
	s.True(s.reg.Select(1))
	s.False(s.reg.Select(42))
	sel, ok := s.reg.Selected()
	s.Require().True(ok)
	s.Equal(int64(1), sel.ID)

	s.reg.ClearSelection()
	_, ok = s.reg.Selected()
	s.False(ok)
}

func (s *RegistrySuite) TestReset() {
	s.True(s.reg.Select(1))
	version := s.reg.Version()

	s.reg.Reset()
	s.Zero(s.reg.Len())
	_, ok := s.reg.Selected()
	s.False(ok)
	s.Greater(s.reg.Version(), version)
	s.Equal(ChangeReset, s.kinds()[len(s.kinds())-1])
}

func (s *RegistrySuite) TestReadersGetCopies() {
	_, err := s.reg.Upsert(1, Patch{Actions: []Action{{ID: "a-1", Name: "call"}}})
	s.Require().NoError(err)

	rec, _ := s.reg.Get(1)
	rec.Status = "mutated"
	rec.Actions[0].Name = "mutated"

	again, _ := s.reg.Get(1)
	s.Equal("waiting", again.Status)
	s.Equal("call", again.Actions[0].Name)
}

func (s *RegistrySuite) TestChangeNotifications() {
	s.reg.Insert(Record{ID: 7})
	_, _ = s.reg.Upsert(7, Patch{Status: Ptr("driving")})
	s.reg.Select(7)
	s.reg.Remove(7)

	s.Equal([]ChangeKind{
		ChangeReplaced, ChangeInserted, ChangeUpdated, ChangeSelected, ChangeRemoved, ChangeSelected,
	}, s.kinds())
}

func TestRegistrySuite(t *testing.T) {
	suite.Run(t, new(RegistrySuite))
}

func TestRegistry_ConcurrentReadersSeeConsistentIndex(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := int64(1); i <= 500; i++ {
			reg.Insert(Record{ID: i, Status: "waiting"})
			if i%3 == 0 {
				reg.Remove(i - 1)
			}
		}
		close(stop)
	}()

	for n := 0; n < 4; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				seen := make(map[int64]bool)
				for _, rec := range reg.All() {
					assert.False(t, seen[rec.ID], "duplicate id %d", rec.ID)
					seen[rec.ID] = true
				}
			}
		}()
	}
	wg.Wait()

	all := reg.All()
	require.Equal(t, reg.Len(), len(all))
	for _, rec := range all {
		_, ok := reg.Get(rec.ID)
		require.True(t, ok)
	}
}

func TestPatch_Empty(t *testing.T) {
	assert.True(t, Patch{}.Empty())
	assert.False(t, Patch{Memo: Ptr("")}.Empty())
	assert.False(t, Patch{Messages: []Message{{Text: "x"}}}.Empty())
}

func TestActionKey_ContentHashWithoutID(t *testing.T) {
	a := Action{Name: "call-customer", Agent: "7", At: 100}
	b := Action{Name: "call-customer", Agent: "7", At: 100}
	c := Action{Name: "call-customer", Agent: "7", At: 101}

	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), c.Key())
	assert.Equal(t, "a-1", Action{ID: "a-1"}.Key())
}

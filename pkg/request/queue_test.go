package request

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writes(n int) []*Request {
	rs := make([]*Request, n)
	for i := range rs {
		rs[i] = NewWrite(battery, []byte{byte(i)}, WriteWithResponse)
	}
	return rs
}

func drain(q *Queue) []Kind {
	var kinds []Kind
	for r := q.Next(); r != nil; r = q.Next() {
		kinds = append(kinds, r.Kind())
	}
	return kinds
}

func TestQueue_Plain(t *testing.T) {
	q := NewQueue()
	rs := writes(2)
	require.NoError(t, q.Add(rs...))
	assert.Equal(t, 2, q.Size())
	assert.True(t, q.HasMore())

	assert.Same(t, rs[0], q.Next())
	assert.Equal(t, []*Request{rs[1]}, q.Remaining())
	assert.Same(t, rs[1], q.Next())
	assert.Nil(t, q.Next())
	assert.False(t, q.HasMore())
}

func TestQueue_AddRejectsOwned(t *testing.T) {
	r := NewRead(battery)
	require.NoError(t, r.Claim())
	assert.ErrorIs(t, NewQueue().Add(r), ErrUsage)

	q := NewQueue()
	require.NoError(t, q.Claim())
	assert.ErrorIs(t, q.Add(NewRead(battery)), ErrUsage, "enqueued queue MUST NOT grow")
	assert.ErrorIs(t, q.Claim(), ErrUsage)
}

func TestQueue_BuilderPanicsOnceOwned(t *testing.T) {
	q := NewQueue()
	require.NoError(t, q.Claim())

	tests := map[string]func(){
		"OnBefore": func() { q.OnBefore(nil) },
		"OnDone":   func() { q.OnDone(nil) },
		"OnFail":   func() { q.OnFail(nil) },
		"FailFast": func() { q.FailFast(false) },
	}
	for name, fn := range tests {
		t.Run(name, func(t *testing.T) {
			defer func() {
				rec := recover()
				require.NotNil(t, rec, "%s MUST panic on an enqueued queue", name)
				err, ok := rec.(error)
				require.True(t, ok)
				assert.ErrorIs(t, err, ErrUsage)
			}()
			fn()
		})
	}
}

func TestQueue_FailFast(t *testing.T) {
	q := NewQueue()
	rs := writes(3)
	require.NoError(t, q.Add(rs...))
	q.Next()

	discarded := q.MemberFailed(ErrTimeout)
	assert.Equal(t, rs[1:], discarded)
	assert.Nil(t, q.Next())
	assert.ErrorIs(t, q.Err(), ErrTimeout)
}

func TestQueue_ContinueOnFailure(t *testing.T) {
	q := NewQueue().FailFast(false)
	require.NoError(t, q.Add(writes(3)...))
	q.Next()

	assert.Empty(t, q.MemberFailed(ErrTimeout))
	q.MemberFailed(ErrCancelled)
	assert.Len(t, drain(q), 2)
	assert.ErrorIs(t, q.Err(), ErrTimeout, "Err MUST report the first failure")
}

func TestReliableWrite_Steps(t *testing.T) {
	tests := []struct {
		name    string
		members int
		act     func(q *Queue) []Kind
		want    []Kind
	}{
		{
			name:    "empty",
			members: 0,
			act:     drain,
			want:    nil,
		},
		{
			name:    "execute",
			members: 2,
			act:     drain,
			want:    []Kind{KindBeginReliableWrite, KindWrite, KindWrite, KindExecuteReliableWrite},
		},
		{
			name:    "cancel before begin",
			members: 2,
			act: func(q *Queue) []Kind {
				q.Cancel()
				return drain(q)
			},
			want: nil,
		},
		{
			name:    "cancel after begin",
			members: 2,
			act: func(q *Queue) []Kind {
				kinds := []Kind{q.Next().Kind()}
				q.Cancel()
				return append(kinds, drain(q)...)
			},
			want: []Kind{KindBeginReliableWrite},
		},
		{
			name:    "member failure",
			members: 3,
			act: func(q *Queue) []Kind {
				kinds := []Kind{q.Next().Kind(), q.Next().Kind()}
				q.MemberFailed(ErrValidationMismatch)
				return append(kinds, drain(q)...)
			},
			want: []Kind{KindBeginReliableWrite, KindWrite, KindAbortReliableWrite},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewReliableWrite()
			require.NoError(t, q.Add(writes(tt.members)...))
			assert.Equal(t, tt.want, tt.act(q))
			assert.Zero(t, q.Size(), "finished transaction MUST report no steps")
		})
	}
}

func TestReliableWrite_Size(t *testing.T) {
	q := NewReliableWrite()
	assert.Zero(t, q.Size())
	require.NoError(t, q.Add(writes(2)...))
	assert.Equal(t, 4, q.Size(), "begin and execute MUST be counted")

	q.Next()
	assert.Equal(t, 3, q.Size())
	q.Next()
	q.Cancel()
	assert.Equal(t, 1, q.Size(), "only the abort MUST remain")
}

func TestReliableWrite_AlwaysFailsFast(t *testing.T) {
	q := NewReliableWrite().FailFast(false)
	rs := writes(2)
	require.NoError(t, q.Add(rs...))
	q.Next()
	q.Next()

	assert.Equal(t, rs[1:], q.MemberFailed(ErrTimeout))
}

func TestReliableWrite_SyntheticSteps(t *testing.T) {
	q := NewReliableWrite()
	require.NoError(t, q.Add(writes(1)...))

	begin := q.Next()
	assert.True(t, begin.Synthetic())
	assert.True(t, begin.Owned(), "synthetic steps MUST NOT be enqueueable")
	assert.ErrorIs(t, begin.Claim(), ErrUsage)
}

package persist

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/multistore/internal/engine"
	"github.com/roach88/multistore/internal/ir"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// profile is an object slice: profile/set {name} sets name.
func profile() engine.Reducer {
	return engine.ReducerFunc(func(state ir.IRValue, a ir.Action) ir.IRValue {
		obj, ok := state.(ir.IRObject)
		if !ok {
			obj = ir.IRObject{"name": ir.IRString(""), "theme": ir.IRString("light")}
		}
		if a.Type == "profile/set" {
			return obj.With("name", a.Field("name"))
		}
		return obj
	})
}

func counter() engine.Reducer {
	return engine.ReducerFunc(func(state ir.IRValue, a ir.Action) ir.IRValue {
		n, _ := state.(ir.IRInt)
		if a.Type == "counter/increment" {
			return n + 1
		}
		if state == nil {
			return n
		}
		return state
	})
}

func newEngine(t *testing.T, reducers map[string]engine.Reducer) *engine.Engine {
	t.Helper()
	e, err := engine.New(engine.Combine(reducers))
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func TestReconcilers(t *testing.T) {
	original := ir.IRObject{"a": ir.IRInt(1), "b": ir.IRObject{"x": ir.IRInt(1), "y": ir.IRInt(1)}}
	inbound := ir.IRObject{"a": ir.IRInt(9), "b": ir.IRObject{"x": ir.IRInt(9)}, "c": ir.IRInt(9)}

	t.Run("hard set", func(t *testing.T) {
		assert.Equal(t, inbound, HardSet(inbound, original, original))
	})

	t.Run("level1 replaces top-level keys", func(t *testing.T) {
		got := AutoMergeLevel1(inbound, original, original)
		want := ir.IRObject{"a": ir.IRInt(9), "b": ir.IRObject{"x": ir.IRInt(9)}, "c": ir.IRInt(9)}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("AutoMergeLevel1 mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("level2 merges nested objects", func(t *testing.T) {
		got := AutoMergeLevel2(inbound, original, original)
		want := ir.IRObject{"a": ir.IRInt(9), "b": ir.IRObject{"x": ir.IRInt(9), "y": ir.IRInt(1)}, "c": ir.IRInt(9)}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("AutoMergeLevel2 mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("keys changed by the reducer win", func(t *testing.T) {
		reduced := original.With("a", ir.IRInt(5))
		got := AutoMergeLevel1(inbound, original, reduced)
		assert.Equal(t, ir.IRInt(5), got.(ir.IRObject)["a"])
		assert.Equal(t, ir.IRInt(9), got.(ir.IRObject)["c"])
	})

	t.Run("scalars", func(t *testing.T) {
		assert.Equal(t, ir.IRInt(9), AutoMergeLevel1(ir.IRInt(9), ir.IRInt(1), ir.IRInt(1)))
		assert.Equal(t, ir.IRInt(2), AutoMergeLevel1(ir.IRInt(9), ir.IRInt(1), ir.IRInt(2)))
	})

	t.Run("by name", func(t *testing.T) {
		for _, name := range []string{"", "level1", "level2", "hard_set"} {
			_, ok := ReconcilerByName(name)
			assert.True(t, ok, name)
		}
		_, ok := ReconcilerByName("deep")
		assert.False(t, ok)
	})
}

func TestReducer_RehydrateMergesOnlyItsKey(t *testing.T) {
	r, err := NewReducer(Config{Key: "profile", Storage: NewMemoryStorage()}, profile())
	require.NoError(t, err)
	e := newEngine(t, map[string]engine.Reducer{"profile": r})

	require.NoError(t, e.Dispatch(Rehydrate("other", ir.IRObject{"name": ir.IRString("x")})))
	assert.Equal(t, ir.IRString(""), e.State()["profile"].(ir.IRObject)["name"])

	require.NoError(t, e.Dispatch(Rehydrate("profile", ir.IRObject{"name": ir.IRString("ada")})))
	assert.Equal(t, ir.IRObject{"name": ir.IRString("ada"), "theme": ir.IRString("light")}, e.State()["profile"])

	require.NoError(t, e.Dispatch(Rehydrate("profile", nil)))
	assert.Equal(t, ir.IRString("ada"), e.State()["profile"].(ir.IRObject)["name"])
}

func TestNewReducer_Validation(t *testing.T) {
	_, err := NewReducer(Config{Storage: NewMemoryStorage()}, counter())
	assert.Error(t, err)
	_, err = NewReducer(Config{Key: "k"}, counter())
	assert.Error(t, err)
	_, err = NewReducer(Config{Key: "k", Storage: NewMemoryStorage()}, nil)
	assert.Error(t, err)
	_, err = NewSecureReducer(Config{Key: "k", Storage: NewMemoryStorage()}, "", counter())
	assert.Error(t, err)
}

func TestEncryptTransform_RoundTrip(t *testing.T) {
	tr, err := EncryptTransform("s3cret")
	require.NoError(t, err)

	enc, err := tr.Encode("auth", `{"token":"abc"}`)
	require.NoError(t, err)
	assert.NotContains(t, enc, "abc")

	dec, err := tr.Decode("auth", enc)
	require.NoError(t, err)
	assert.Equal(t, `{"token":"abc"}`, dec)

	_, err = tr.Decode("other-key", enc)
	assert.ErrorIs(t, err, ErrDecrypt, "key is bound as additional data")

	wrong, _ := EncryptTransform("different")
	_, err = wrong.Decode("auth", enc)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestPersistor_RoundTripAcrossRestarts(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()

	boot := func() (*engine.Engine, *Persistor) {
		r, err := NewSecureReducer(Config{Key: "persist:profile", Storage: storage}, "pw", profile())
		require.NoError(t, err)
		e := newEngine(t, map[string]engine.Reducer{"profile": r, "counter": counter()})
		p := NewPersistor(e, nil)
		p.Track("profile", r)
		require.NoError(t, p.Start(ctx))
		return e, p
	}

	e1, p1 := boot()
	require.NoError(t, e1.Dispatch(ir.NewAction("profile/set", ir.IRObject{"name": ir.IRString("ada")})))
	require.NoError(t, p1.Stop(ctx))

	raw, ok, _ := storage.GetItem(ctx, "persist:profile")
	require.True(t, ok)
	assert.NotContains(t, raw, "ada", "stored encrypted")
	assert.Equal(t, []string{"persist:profile"}, storage.Keys(), "unpersisted slices are not written")

	e2, p2 := boot()
	defer func() { require.NoError(t, p2.Stop(ctx)) }()
	assert.Equal(t, ir.IRString("ada"), e2.State()["profile"].(ir.IRObject)["name"])
}

func TestPersistor_WritesInBackground(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	r, err := NewReducer(Config{Key: "c", Storage: storage}, counter())
	require.NoError(t, err)
	e := newEngine(t, map[string]engine.Reducer{"counter": r})

	p := NewPersistor(e, nil)
	p.Track("counter", r)
	require.NoError(t, p.Start(ctx))
	defer func() { require.NoError(t, p.Stop(ctx)) }()

	require.NoError(t, e.Dispatch(ir.Act("counter/increment")))
	assert.Eventually(t, func() bool {
		v, ok, _ := storage.GetItem(ctx, "c")
		return ok && v == "1"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPersistor_CorruptItemStartsFresh(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	require.NoError(t, storage.SetItem(ctx, "c", "not json"))

	r, err := NewReducer(Config{Key: "c", Storage: storage}, counter())
	require.NoError(t, err)
	e := newEngine(t, map[string]engine.Reducer{"counter": r})

	p := NewPersistor(e, nil)
	p.Track("counter", r)
	require.NoError(t, p.Start(ctx))
	require.NoError(t, p.Stop(ctx))

	assert.Equal(t, ir.IRInt(0), e.State()["counter"])
}

func TestPersistor_PurgeAndUntrack(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	r, err := NewReducer(Config{Key: "c", Storage: storage}, counter())
	require.NoError(t, err)
	e := newEngine(t, map[string]engine.Reducer{"counter": r})

	p := NewPersistor(e, nil)
	p.Track("counter", r)
	require.NoError(t, p.Flush(ctx))
	_, ok, _ := storage.GetItem(ctx, "c")
	require.True(t, ok)

	require.NoError(t, p.Purge(ctx))
	_, ok, _ = storage.GetItem(ctx, "c")
	assert.False(t, ok)

	p.Untrack("counter")
	assert.Empty(t, p.Tracked())
	require.NoError(t, p.Flush(ctx))
	_, ok, _ = storage.GetItem(ctx, "c")
	assert.False(t, ok)

	assert.Error(t, p.RehydrateKey(ctx, "counter"))
}

// fakeS3 is an in-memory ObjectAPI.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    error
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3Storage(t *testing.T) {
	ctx := context.Background()
	api := &fakeS3{objects: make(map[string][]byte)}
	s := NewS3Storage(api, "bucket", "app/")

	_, ok, err := s.GetItem(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetItem(ctx, "k", "v"))
	assert.Contains(t, api.objects, "bucket/app/k")

	v, ok, err := s.GetItem(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	require.NoError(t, s.RemoveItem(ctx, "k"))
	_, ok, _ = s.GetItem(ctx, "k")
	assert.False(t, ok)

	api.fail = errors.New("network down")
	_, _, err = s.GetItem(ctx, "k")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "network down"))
}

func TestNewS3Client(t *testing.T) {
	c := NewS3Client(S3Options{Region: "us-east-1", Endpoint: "http://localhost:9000", PathStyle: true})
	assert.NotNil(t, c)
	assert.Equal(t, "us-east-1", c.Options().Region)
	assert.True(t, c.Options().UsePathStyle)
}

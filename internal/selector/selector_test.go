package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/multistore/internal/ir"
)

func TestPath_Nested(t *testing.T) {
	state := ir.IRObject{
		"user": ir.IRObject{"profile": ir.IRObject{"name": ir.IRString("ada")}},
		"n":    ir.IRInt(3),
	}

	assert.Equal(t, ir.IRString("ada"), Path("user", "profile", "name")(state))
	assert.Equal(t, ir.IRInt(3), Path("n")(state))
	assert.Equal(t, state, Path()(state))
}

func TestPath_MissingYieldsNull(t *testing.T) {
	state := ir.IRObject{"n": ir.IRInt(3)}

	assert.Equal(t, ir.IRNull{}, Path("missing")(state))
	assert.Equal(t, ir.IRNull{}, Path("n", "deeper")(state))
	assert.Equal(t, ir.IRNull{}, Path("a")(nil))
}

func TestPath_MemoizedOnRootIdentity(t *testing.T) {
	var calls int
	sel := Memoize(Identity, func(v ir.IRValue) ir.IRValue {
		calls++
		return ir.IRInt(len(v.(ir.IRObject)))
	})

	s1 := ir.IRObject{"a": ir.IRInt(1)}
	assert.Equal(t, ir.IRInt(1), sel(s1))
	assert.Equal(t, ir.IRInt(1), sel(s1))
	assert.Equal(t, 1, calls)

	s2 := s1.With("b", ir.IRInt(2))
	assert.Equal(t, ir.IRInt(2), sel(s2))
	assert.Equal(t, 2, calls)
}

func TestMemoize_SliceInput(t *testing.T) {
	var calls int
	items := Memoize(Path("items"), func(v ir.IRValue) ir.IRValue {
		calls++
		arr, _ := v.(ir.IRArray)
		return ir.IRInt(len(arr))
	})

	list := ir.IRArray{ir.IRInt(1), ir.IRInt(2)}
	s1 := ir.IRObject{"items": list, "other": ir.IRInt(0)}
	s2 := s1.With("other", ir.IRInt(1))

	assert.Equal(t, ir.IRInt(2), items(s1))
	assert.Equal(t, ir.IRInt(2), items(s2))
	assert.Equal(t, 1, calls, "unchanged slice is not recomputed")
}

func TestMap(t *testing.T) {
	double := Map(Path("n"), func(v ir.IRValue) ir.IRValue {
		return v.(ir.IRInt) * 2
	})
	assert.Equal(t, ir.IRInt(6), double(ir.IRObject{"n": ir.IRInt(3)}))
}

func TestDistinct_SuppressesConsecutiveEqual(t *testing.T) {
	var got []ir.IRValue
	emit := Distinct(func(v ir.IRValue) bool {
		got = append(got, v)
		return true
	})

	for _, v := range []ir.IRValue{
		ir.IRInt(1), ir.IRInt(1), ir.IRInt(2),
		ir.IRObject{"a": ir.IRInt(1)}, ir.IRObject{"a": ir.IRInt(1)},
		ir.IRNull{}, nil, ir.IRInt(1),
	} {
		emit(v)
	}

	assert.Equal(t, []ir.IRValue{
		ir.IRInt(1), ir.IRInt(2), ir.IRObject{"a": ir.IRInt(1)}, ir.IRNull{}, ir.IRInt(1),
	}, got)
}

func TestDistinct_PropagatesStop(t *testing.T) {
	emit := Distinct(func(ir.IRValue) bool { return false })
	assert.False(t, emit(ir.IRInt(1)))
	assert.True(t, emit(ir.IRInt(1)), "duplicates do not reach emit")
}

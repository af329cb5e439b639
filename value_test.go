package loam

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueOf(t *testing.T) {
	assert.Equal(t, KindNull, ValueOf(nil).Kind())
	assert.Equal(t, KindInt, ValueOf(42).Kind())
	assert.Equal(t, KindInt, ValueOf(int64(42)).Kind())
	assert.Equal(t, KindFloat, ValueOf(4.2).Kind())
	assert.Equal(t, KindBool, ValueOf(true).Kind())
	assert.Equal(t, KindString, ValueOf("hi").Kind())
	assert.Equal(t, KindBytes, ValueOf([]byte("hi")).Kind())
	assert.Equal(t, KindTime, ValueOf(time.Now()).Kind())
	// A Value passes through unchanged.
	v := IntValue(7)
	assert.Equal(t, v, ValueOf(v))
}

func TestValueAccessors(t *testing.T) {
	assert.EqualValues(t, 42, IntValue(42).Int())
	assert.EqualValues(t, 42, StringValue("42").Int())
	assert.EqualValues(t, 42, FloatValue(42.9).Int())
	assert.EqualValues(t, 1, BoolValue(true).Int())
	assert.Equal(t, "42", IntValue(42).String())
	assert.Equal(t, 4.5, StringValue("4.5").Float())
	assert.True(t, IntValue(1).Bool())
	assert.False(t, IntValue(0).Bool())
	assert.True(t, StringValue("true").Bool())
	assert.Equal(t, []byte("raw"), StringValue("raw").Bytes())
	assert.True(t, Null.IsNull())
	assert.Nil(t, Null.Any())
}

func TestValueTime(t *testing.T) {
	want := time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)
	assert.Equal(t, want, TimeValue(want).Time())
	// SQLite stores timestamps as text.
	got := StringValue("2024-03-01 10:30:00").Time()
	assert.Equal(t, want, got)
	got = StringValue(want.Format(time.RFC3339Nano)).Time()
	assert.True(t, want.Equal(got))
	assert.Equal(t, want, IntValue(want.Unix()).Time())
	assert.True(t, StringValue("not a time").Time().IsZero())
}

func TestValueJSON(t *testing.T) {
	v, err := JSONValue(map[string]int{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, KindJSON, v.Kind())
	var dest map[string]int
	require.NoError(t, v.JSON(&dest))
	assert.Equal(t, map[string]int{"a": 1}, dest)
	require.Error(t, IntValue(1).JSON(&dest))
}

func TestValueEqual(t *testing.T) {
	assert.True(t, IntValue(1).Equal(IntValue(1)))
	assert.False(t, IntValue(1).Equal(IntValue(2)))
	// Kind matters: int 1 and string "1" are different values.
	assert.False(t, IntValue(1).Equal(StringValue("1")))
	assert.True(t, Null.Equal(Null))
	now := time.Now()
	assert.True(t, TimeValue(now).Equal(TimeValue(now.UTC())))
}

func TestValueCast(t *testing.T) {
	assert.Equal(t, IntValue(42), StringValue("42").Cast(KindInt))
	assert.Equal(t, BoolValue(true), IntValue(1).Cast(KindBool))
	assert.Equal(t, StringValue("1.5"), FloatValue(1.5).Cast(KindString))
	// Null stays null under any cast.
	assert.True(t, Null.Cast(KindInt).IsNull())
}

func TestNormalizeKey(t *testing.T) {
	assert.Equal(t, int64(1), normalizeKey(1))
	assert.Equal(t, int64(1), normalizeKey(int64(1)))
	assert.Equal(t, int64(1), normalizeKey(1.0))
	assert.Equal(t, "abc", normalizeKey("abc"))
	assert.Equal(t, "abc", normalizeKey([]byte("abc")))
	assert.Nil(t, normalizeKey(nil))
}

package transcript

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStripControlTags(t *testing.T) {
	t.Run("step and sentiment", func(t *testing.T) {
		out, meta := StripControlTags("[STEP: greeting] Hello there. [SENTIMENT: 0.8]")
		require.Equal(t, "Hello there.", out)
		require.Equal(t, "greeting", meta.Step)
		require.NotNil(t, meta.Sentiment)
		require.InDelta(t, 0.8, *meta.Sentiment, 1e-9)
	})

	t.Run("dialect with confidence", func(t *testing.T) {
		out, meta := StripControlTags("Cheers mate [DIALECT: en-GB|0.92]")
		require.Equal(t, "Cheers mate", out)
		require.Equal(t, "en-GB", meta.Dialect)
		require.InDelta(t, 0.92, meta.DialectConfidence, 1e-9)
	})

	t.Run("translation and system markers", func(t *testing.T) {
		out, meta := StripControlTags("[SYSTEM: resume] Bonjour [TRANSLATION: Hello] !")
		require.Equal(t, "Bonjour!", out)
		require.False(t, meta.HasStep())
		require.Nil(t, meta.Sentiment)
	})

	t.Run("dangling tag from a streaming revision", func(t *testing.T) {
		out, meta := StripControlTags("Sure, one moment [STEP: verif")
		require.Equal(t, "Sure, one moment", out)
		require.Empty(t, meta.Step)
	})

	t.Run("last step wins", func(t *testing.T) {
		_, meta := StripControlTags("[STEP: a] ok [STEP:b]")
		require.Equal(t, "b", meta.Step)
	})

	t.Run("plain brackets survive", func(t *testing.T) {
		out, _ := StripControlTags("Press [1] for sales")
		require.Equal(t, "Press [1] for sales", out)
	})
}

func TestRemoveInternalDuplication(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Hello there. Hello there.", "Hello there."},
		{"good morning good morning", "good morning"},
		{"I can help with that. I can help with that. What else?", "I can help with that. What else?"},
		{"No duplication here.", "No duplication here."},
		{"ab abc", "ab abc"},
		{"  ", ""},
		{"Your balance is 100.50 pounds.", "Your balance is 100.50 pounds."},
		{"Visit www.example.com for details.", "Visit www.example.com for details."},
		{"Bring ID, e.g. a passport.  Thanks!", "Bring ID, e.g. a passport.  Thanks!"},
		{"Wow!Really?", "Wow!Really?"},
		{"It is 3.5%. It is 3.5%. Anything else?", "It is 3.5%. Anything else?"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, RemoveInternalDuplication(tc.in), "input %q", tc.in)
	}
}

func TestRemoveInternalDuplication_NestedDoublingCollapsesFully(t *testing.T) {
	// Halving repeats until nothing changes, so a half that is itself doubled
	// is reduced too.
	require.Equal(t, "ab", RemoveInternalDuplication("abab abab"))
	require.Equal(t, "Hi.", RemoveInternalDuplication("Hi. Hi. Hi. Hi."))
}

func TestRemoveInternalDuplication_IdenticalHalvesReturnOneHalf(t *testing.T) {
	halves := []string{
		"Your balance is one hundred pounds.",
		"okay",
		"Let me check that for you",
		"x",
		"Welcome back! How can I help?",
	}
	for _, h := range halves {
		require.Equal(t, h, RemoveInternalDuplication(h+h), "joined %q", h)
		require.Equal(t, h, RemoveInternalDuplication(h+" "+h), "spaced %q", h)
		require.Equal(t, h, RemoveInternalDuplication("  "+h+" "+h+"\n"), "padded %q", h)
	}
}

func TestRemoveInternalDuplication_Idempotent(t *testing.T) {
	inputs := []string{
		"aaaa",
		"Hello. Hello. Hello.",
		"one two one two one two one two",
		"Sure thing! Sure thing! Anything else? Anything else?",
		"The account ends in 42. The account ends in 42",
		"plain sentence",
	}
	for _, in := range inputs {
		once := RemoveInternalDuplication(in)
		require.Equal(t, once, RemoveInternalDuplication(once), "input %q", in)
	}
}

func TestExtractNewContent(t *testing.T) {
	require.Equal(t, "how can I help?", ExtractNewContent("Hello there, how can I help?", []string{"Hello there,"}))
	require.Equal(t, "Hi you", ExtractNewContent("Hi you", []string{"Hi"}))
	require.Equal(t, "Fine.", ExtractNewContent("Hello. How are you? Fine.", []string{"Hello.", "Hello. How are you?"}))
	require.Equal(t, "", ExtractNewContent("Goodbye now", []string{"Goodbye now"}))
	require.Equal(t, "unrelated text", ExtractNewContent("unrelated text", []string{"something else"}))
}

func TestExtractNewContent_PrefixProperty(t *testing.T) {
	pairs := [][2]string{
		{"Hello", "Hello world"},
		{"Your balance", "Your balance is 100."},
		{"Let me look that up.", "Let me look that up. It is 3pm."},
	}
	for _, p := range pairs {
		prev, cur := p[0], p[1]
		require.Equal(t, trimmed(cur[len(prev):]), ExtractNewContent(cur, []string{prev}))
	}
}

func trimmed(s string) string {
	for len(s) > 0 && (s[0] == ' ' || s[0] == '\n' || s[0] == '\t') {
		s = s[1:]
	}
	for len(s) > 0 && (s[len(s)-1] == ' ' || s[len(s)-1] == '\n' || s[len(s)-1] == '\t') {
		s = s[:len(s)-1]
	}
	return s
}

func TestIsDuplicateFinal_Window(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	reply := "Your balance is one hundred pounds."

	dup, recent := IsDuplicateFinal(reply, nil, t0, DedupeOptions{})
	require.False(t, dup)
	require.Len(t, recent, 1)

	dup, _ = IsDuplicateFinal(reply, recent, t0.Add(1000*time.Millisecond), DedupeOptions{})
	require.True(t, dup)

	dup, _ = IsDuplicateFinal(reply, recent, t0.Add(4000*time.Millisecond), DedupeOptions{})
	require.False(t, dup)
}

func TestIsDuplicateFinal_PrefixAndSubstring(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	recent := []Reply{{Text: "Your balance is 100 pounds. Anything else?", At: t0}}
	at := t0.Add(500 * time.Millisecond)

	dup, _ := IsDuplicateFinal("Your balance is", recent, at, DedupeOptions{})
	require.True(t, dup, "prefix of a longer recent reply")

	dup, _ = IsDuplicateFinal("balance is 100 pounds", recent, at, DedupeOptions{})
	require.True(t, dup, "long substring")

	dup, _ = IsDuplicateFinal("100", recent, at, DedupeOptions{})
	require.False(t, dup, "short fragment is not suppressed")
}

func TestRecent_PrunesPastHorizon(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	var r Recent
	require.False(t, r.Check("first reply", t0))
	require.False(t, r.Check("second reply", t0.Add(time.Second)))
	require.Equal(t, 2, r.Len())

	require.False(t, r.Check("third reply", t0.Add(20*time.Second)))
	require.Equal(t, 1, r.Len())
}

func TestSimilarity(t *testing.T) {
	require.InDelta(t, 1.0, Similarity("the quick brown fox", "The quick brown fox"), 1e-9)
	require.InDelta(t, 0.8, Similarity("the quick brown fox", "the quick brown fox jumps"), 1e-9)
	require.InDelta(t, 0.0, Similarity("hello there", "goodbye friend"), 1e-9)
	require.InDelta(t, 1.0, Similarity("", ""), 1e-9)
}

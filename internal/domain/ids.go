package domain

import (
	"math/rand"
	"strconv"
	"strings"
	"time"
)

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewSessionID returns a short opaque id: "s" + base36 millis + 5 random chars.
func NewSessionID(now time.Time, rnd *rand.Rand) string {
	return "s" + strconv.FormatInt(now.UnixMilli(), 36) + randomBase36(rnd, 5)
}

// NewStudentID returns "student-<millis>-<9 random chars>".
func NewStudentID(now time.Time, rnd *rand.Rand) string {
	return "student-" + strconv.FormatInt(now.UnixMilli(), 10) + "-" + randomBase36(rnd, 9)
}

func randomBase36(rnd *rand.Rand, n int) string {
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		b.WriteByte(base36[rnd.Intn(len(base36))])
	}
	return b.String()
}

package tracker

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/width"
)

const (
	minPlausibleCapacity = 5
	maxPlausibleCapacity = 200
)

var (
	digitsRe = regexp.MustCompile(`\d+`)

	// Ordered most specific first; the bare 限N人 form must stay last.
	remarkCapacityRes = []*regexp.Regexp{
		regexp.MustCompile(`限修\s*(\d+)\s*人`),
		regexp.MustCompile(`人數上限\s*:?\s*(\d+)`),
		regexp.MustCompile(`上限\s*(\d+)\s*人`),
		regexp.MustCompile(`容量\s*(\d+)\s*人`),
		regexp.MustCompile(`(\d+)\s*人為限`),
		regexp.MustCompile(`限\s*(\d+)\s*人`),
	}

	detailsCapacityRes = []*regexp.Regexp{
		regexp.MustCompile(`(?:選課)?人數上限\s*:?\s*(\d+)`),
		regexp.MustCompile(`限修人數\s*:?\s*(\d+)`),
	}
)

// normalizeText folds full-width digits and punctuation to ASCII.
func normalizeText(s string) string {
	return width.Fold.String(s)
}

// ExtractEnrolled returns the second integer in the enrollment label. The
// query page renders the label as a number pair whose second element is the
// current head count.
func ExtractEnrolled(text string) (int, bool) {
	nums := digitsRe.FindAllString(normalizeText(text), 2)
	if len(nums) < 2 {
		return 0, false
	}
	n, err := strconv.Atoi(nums[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// ExtractCapacityFromRemark finds a plausible "limit N people" phrase in the
// remark column.
func ExtractCapacityFromRemark(text string) (int, bool) {
	return firstPlausible(normalizeText(text), remarkCapacityRes)
}

func firstPlausible(text string, res []*regexp.Regexp) (int, bool) {
	if strings.TrimSpace(text) == "" {
		return 0, false
	}
	for _, re := range res {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			n, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			if plausibleCapacity(n) {
				return n, true
			}
		}
	}
	return 0, false
}

func plausibleCapacity(n int) bool {
	return n >= minPlausibleCapacity && n <= maxPlausibleCapacity
}

// DetailsSource is the part of a Session used for precise capacity lookup.
type DetailsSource interface {
	TriggerDetails(ctx context.Context) (bool, error)
	DetailsText(ctx context.Context) (string, bool, error)
}

// ExtractCapacityPrecise opens the details panel and looks for an explicit
// enrollment cap label. Whenever that yields nothing (no affordance, error,
// timeout or no label) it falls back to the remark text.
func ExtractCapacityPrecise(ctx context.Context, src DetailsSource, remark string, timeout time.Duration) (int, bool) {
	if n, ok := capacityFromDetails(ctx, src, timeout); ok {
		return n, true
	}
	return ExtractCapacityFromRemark(remark)
}

func capacityFromDetails(ctx context.Context, src DetailsSource, timeout time.Duration) (int, bool) {
	if src == nil {
		return 0, false
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	opened, err := src.TriggerDetails(ctx)
	if err != nil || !opened {
		return 0, false
	}
	text, ok, err := src.DetailsText(ctx)
	if err != nil || !ok {
		return 0, false
	}
	return firstPlausible(normalizeText(text), detailsCapacityRes)
}

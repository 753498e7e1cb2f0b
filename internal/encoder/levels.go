package encoder

import (
	"fmt"
	"strconv"
	"strings"
)

// Level is an AVC level, valued by its level_idc (3.1 is 31).
type Level int

// AVC levels as advertised by encoders.
const (
	Level1b Level = 9
	Level1  Level = 10
	Level11 Level = 11
	Level12 Level = 12
	Level13 Level = 13
	Level2  Level = 20
	Level21 Level = 21
	Level22 Level = 22
	Level3  Level = 30
	Level31 Level = 31
	Level32 Level = 32
	Level4  Level = 40
	Level41 Level = 41
	Level42 Level = 42
	Level5  Level = 50
	Level51 Level = 51
	Level52 Level = 52
)

// String renders the level the way codec documentation writes it ("3.1").
func (l Level) String() string {
	if l == Level1b {
		return "1b"
	}
	if l%10 == 0 {
		return strconv.Itoa(int(l) / 10)
	}
	return fmt.Sprintf("%d.%d", int(l)/10, int(l)%10)
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseLevel accepts "3.1", "31", "4" or "1b".
func ParseLevel(s string) (Level, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "1b") {
		return Level1b, nil
	}
	if major, minor, ok := strings.Cut(s, "."); ok {
		ma, err1 := strconv.Atoi(major)
		mi, err2 := strconv.Atoi(minor)
		if err1 != nil || err2 != nil || mi < 0 || mi > 9 {
			return 0, fmt.Errorf("invalid level %q", s)
		}
		return Level(ma*10 + mi), nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid level %q", s)
	}
	if n < 10 {
		n *= 10
	}
	return Level(n), nil
}

// LevelLimits are the codec-specification ceilings for one level. They are
// standard values, not measured from the device.
type LevelLimits struct {
	Level                   Level `json:"level" yaml:"level"`
	MaxWidth                int   `json:"max_width" yaml:"max_width"`
	MaxHeight               int   `json:"max_height" yaml:"max_height"`
	MaxBitRate              int   `json:"max_bit_rate" yaml:"max_bit_rate"`
	MaxMacroblocksPerSecond int   `json:"max_macroblocks_per_second" yaml:"max_macroblocks_per_second"`
}

// levelTable is ordered by level. Heights of 1088 are the AVC frame heights
// for the 1080-line levels.
var levelTable = [...]LevelLimits{
	{Level: Level21, MaxWidth: 352, MaxHeight: 576, MaxBitRate: 4000000, MaxMacroblocksPerSecond: 19800},
	{Level: Level22, MaxWidth: 720, MaxHeight: 480, MaxBitRate: 4000000, MaxMacroblocksPerSecond: 20250},
	{Level: Level3, MaxWidth: 720, MaxHeight: 480, MaxBitRate: 10000000, MaxMacroblocksPerSecond: 40500},
	{Level: Level31, MaxWidth: 1280, MaxHeight: 720, MaxBitRate: 14000000, MaxMacroblocksPerSecond: 108000},
	{Level: Level32, MaxWidth: 1280, MaxHeight: 720, MaxBitRate: 20000000, MaxMacroblocksPerSecond: 216000},
	{Level: Level4, MaxWidth: 1920, MaxHeight: 1088, MaxBitRate: 20000000, MaxMacroblocksPerSecond: 245760},
	{Level: Level41, MaxWidth: 1920, MaxHeight: 1088, MaxBitRate: 50000000, MaxMacroblocksPerSecond: 245760},
	{Level: Level42, MaxWidth: 2048, MaxHeight: 1088, MaxBitRate: 50000000, MaxMacroblocksPerSecond: 522240},
	{Level: Level5, MaxWidth: 3672, MaxHeight: 1536, MaxBitRate: 135000000, MaxMacroblocksPerSecond: 589824},
	{Level: Level51, MaxWidth: 4096, MaxHeight: 2304, MaxBitRate: 240000000, MaxMacroblocksPerSecond: 983040},
}

// fallbackLevel is used for any level without its own row.
const fallbackLevel = Level51

// LimitsFor returns the table row for a level. Levels without a row resolve
// to the Level 5.1 ceilings; exact reports whether the level had its own row.
func LimitsFor(level Level) (limits LevelLimits, exact bool) {
	for _, row := range levelTable {
		if row.Level == level {
			return row, true
		}
	}
	for _, row := range levelTable {
		if row.Level == fallbackLevel {
			return row, false
		}
	}
	panic("encoder: level table has no fallback row")
}

// Levels enumerates the table in level order.
func Levels() []LevelLimits {
	out := make([]LevelLimits, len(levelTable))
	copy(out, levelTable[:])
	return out
}

package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSpec — расписание sweep по умолчанию.
const DefaultSpec = "@every 30s"

// cronParser — парсер расписаний: секунды опциональны, дескрипторы
// (@every, @hourly, ...) разрешены.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSpec разбирает расписание.
func ParseSpec(spec string) (cron.Schedule, error) {
	schedule, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return schedule, nil
}

// ValidateSpec проверяет валидность расписания.
func ValidateSpec(spec string) error {
	_, err := ParseSpec(spec)
	return err
}

// NextTick вычисляет время следующего sweep после from.
func NextTick(spec string, from time.Time) (time.Time, error) {
	schedule, err := ParseSpec(spec)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(from), nil
}

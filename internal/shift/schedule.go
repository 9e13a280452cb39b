package shift

import (
	"fmt"
	"time"
)

// Config 定义班次日历的配置参数
// 使用 mapstructure 标签以便 Viper 直接解析
type Config struct {
	DaysPerWeek        int     `mapstructure:"days_per_week"`        // 每周工作天数 [1,7]，从周一起算；仅当为 7 时周日才是工作日
	ShiftCount         int     `mapstructure:"shift_count"`          // 每个工作日的班次数 [1,288]
	FirstShiftStart    int     `mapstructure:"first_shift_start"`    // 首班开始时间，编码为 小时*100+分钟 (e.g. 600 表示 06:00)
	ShiftLengthMinutes int     `mapstructure:"shift_length_minutes"` // 单班时长（分钟）[5,1440]
	GraceFraction      float64 `mapstructure:"grace_fraction"`       // 宽限窗口占班次时长的比例 [0,1]
}

// Schedule 是经过校验的不可变班次日历
// 构造完成后所有字段只读，无需加锁即可并发使用
type Schedule struct {
	cfg         Config
	firstOffset time.Duration // 首班相对当日零点的偏移
	shiftLength time.Duration // 单班时长
	totalSpan   time.Duration // 全天所有班次的总时长
	grace       time.Duration // 宽限窗口时长（向下取整到分钟）
	overflows   bool          // 末班是否跨越午夜进入次日
}

// NewSchedule 校验配置并构造班次日历
// 任何参数越界都返回配置错误，进程不应带病启动
func NewSchedule(cfg Config) (*Schedule, error) {
	if cfg.DaysPerWeek < 1 || cfg.DaysPerWeek > 7 {
		return nil, fmt.Errorf("days_per_week 必须在 [1,7] 范围内, 得到 %d", cfg.DaysPerWeek)
	}
	if cfg.ShiftCount < 1 || cfg.ShiftCount > 288 {
		return nil, fmt.Errorf("shift_count 必须在 [1,288] 范围内, 得到 %d", cfg.ShiftCount)
	}
	if cfg.FirstShiftStart < 0 || cfg.FirstShiftStart > 2400 {
		return nil, fmt.Errorf("first_shift_start 必须在 [0,2400] 范围内, 得到 %d", cfg.FirstShiftStart)
	}
	if cfg.FirstShiftStart%100 >= 60 {
		return nil, fmt.Errorf("first_shift_start 的分钟部分必须小于 60, 得到 %d", cfg.FirstShiftStart)
	}
	if cfg.ShiftLengthMinutes < 5 || cfg.ShiftLengthMinutes > 1440 {
		return nil, fmt.Errorf("shift_length_minutes 必须在 [5,1440] 范围内, 得到 %d", cfg.ShiftLengthMinutes)
	}
	if cfg.GraceFraction < 0 || cfg.GraceFraction > 1 {
		return nil, fmt.Errorf("grace_fraction 必须在 [0,1] 范围内, 得到 %v", cfg.GraceFraction)
	}
	if cfg.ShiftCount*cfg.ShiftLengthMinutes > 1440 {
		return nil, fmt.Errorf("班次总时长 %d 分钟超过一天", cfg.ShiftCount*cfg.ShiftLengthMinutes)
	}

	firstMinutes := cfg.FirstShiftStart/100*60 + cfg.FirstShiftStart%100
	// 只允许末班跨越午夜：末班必须在当日内开始，其余班次必须完整落在当日内
	if firstMinutes+(cfg.ShiftCount-1)*cfg.ShiftLengthMinutes >= 24*60 {
		return nil, fmt.Errorf("除末班外的班次不允许跨越午夜 (first_shift_start=%d, shift_count=%d, shift_length_minutes=%d)",
			cfg.FirstShiftStart, cfg.ShiftCount, cfg.ShiftLengthMinutes)
	}

	s := &Schedule{
		cfg:         cfg,
		firstOffset: time.Duration(firstMinutes) * time.Minute,
		shiftLength: time.Duration(cfg.ShiftLengthMinutes) * time.Minute,
		totalSpan:   time.Duration(cfg.ShiftCount*cfg.ShiftLengthMinutes) * time.Minute,
		grace:       time.Duration(int(float64(cfg.ShiftLengthMinutes)*cfg.GraceFraction)) * time.Minute,
	}
	s.overflows = firstMinutes+cfg.ShiftCount*cfg.ShiftLengthMinutes > 24*60
	return s, nil
}

// CurrentShift 计算 now 时刻应当运行的班次
// 返回 (activeShift, nextBoundary)：activeShift 为 0 表示当前没有班次，
// 应等到 nextBoundary 再次询问；非零表示班次应立即开始，此时 nextBoundary == now
func (s *Schedule) CurrentShift(now time.Time) (int, time.Time) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	// 以周一为 1 的工作日索引，周日为 7
	weekday := int(now.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	working := s.cfg.DaysPerWeek == 7 || weekday <= s.cfg.DaysPerWeek

	if !working {
		// 非工作日：等到下一个周一的首班
		return 0, today.AddDate(0, 0, 8-weekday).Add(s.firstOffset)
	}

	firstStart := today.Add(s.firstOffset)
	lastShouldStart := firstStart.Add(s.totalSpan - s.shiftLength + s.grace)

	if now.Before(firstStart) {
		// 末班可能从昨日跨越午夜延续到现在，宽限窗口内仍允许迟入
		if s.overflows {
			yesterdayLastShouldStart := today.AddDate(0, 0, -1).Add(s.firstOffset + s.totalSpan - s.shiftLength + s.grace)
			if !now.After(yesterdayLastShouldStart) {
				return s.cfg.ShiftCount, now
			}
		}
		return 0, firstStart
	}

	if now.After(lastShouldStart) {
		// 今日所有班次都已错过，等明天的首班
		return 0, today.AddDate(0, 0, 1).Add(s.firstOffset)
	}

	for i := 0; i < s.cfg.ShiftCount; i++ {
		start := firstStart.Add(time.Duration(i) * s.shiftLength)
		end := start.Add(s.shiftLength)
		if now.Before(start) || !now.Before(end) {
			continue
		}
		if !now.After(start.Add(s.grace)) {
			// 在宽限窗口内，班次可以立即（略迟地）开始
			return i + 1, now
		}
		// 迟到超出宽限窗口，本班作废，等下一班
		return 0, end
	}

	// lastShouldStart 落在末班宽限窗口内但已越过末班结束时间的情形
	// （grace 超过班次间隔时不可达，保底返回明日首班）
	return 0, today.AddDate(0, 0, 1).Add(s.firstOffset)
}

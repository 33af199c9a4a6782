package core

import (
	"errors"
	"fmt"
	"time"
)

// PeriodDateLayout is the date format of period-stats queries.
const PeriodDateLayout = "2006-01-02"

// MaxPeriodDays is the longest period-stats range accepted.
const MaxPeriodDays = 366

type Period struct {
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

// ParsePeriod validates an inclusive [start, end] date range.
func ParsePeriod(start, end string) (Period, error) {
	if start == "" || end == "" {
		return Period{}, errors.New("start_date and end_date are required")
	}
	from, err := time.Parse(PeriodDateLayout, start)
	if err != nil {
		return Period{}, errors.New("start_date must be YYYY-MM-DD")
	}
	to, err := time.Parse(PeriodDateLayout, end)
	if err != nil {
		return Period{}, errors.New("end_date must be YYYY-MM-DD")
	}
	if to.Before(from) {
		return Period{}, errors.New("end_date must not be before start_date")
	}
	if to.Sub(from) > MaxPeriodDays*24*time.Hour {
		return Period{}, fmt.Errorf("period must not exceed %d days", MaxPeriodDays)
	}
	return Period{StartDate: start, EndDate: end}, nil
}

// StatusCounts is a total with its per-status breakdown.
type StatusCounts struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"byStatus"`
}

func (c *StatusCounts) Add(other StatusCounts) {
	if c.ByStatus == nil {
		c.ByStatus = map[string]int{}
	}
	c.Total += other.Total
	for status, n := range other.ByStatus {
		c.ByStatus[status] += n
	}
}

// PeriodStats are the calls and ATS submittals a tenant created in a period.
type PeriodStats struct {
	Calls      StatusCounts `json:"calls"`
	Submittals StatusCounts `json:"submittals"`
}

func EmptyPeriodStats() PeriodStats {
	return PeriodStats{
		Calls:      StatusCounts{ByStatus: map[string]int{}},
		Submittals: StatusCounts{ByStatus: map[string]int{}},
	}
}

func (s *PeriodStats) Add(other PeriodStats) {
	s.Calls.Add(other.Calls)
	s.Submittals.Add(other.Submittals)
}

// PeriodStatsReport answers a single partner query. A tenant that cannot be
// reached yields Success false with empty counts.
type PeriodStatsReport struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Period  Period `json:"period"`
	PeriodStats
}

type PartnerPeriodStats struct {
	PartnerID   string `json:"partnerId"`
	PartnerName string `json:"partnerName"`
	Error       string `json:"error,omitempty"`
	PeriodStats
}

type AllPartnersPeriodStats struct {
	Success          bool                 `json:"success"`
	Period           Period               `json:"period"`
	TotalPartners    int                  `json:"totalPartners"`
	Aggregated       PeriodStats          `json:"aggregated"`
	PartnerBreakdown []PartnerPeriodStats `json:"partnerBreakdown"`
}

package installer

import "time"

type summaryRow struct {
	Key      string
	Outcome  string
	Status   string
	ExitCode int
	Duration time.Duration
	LogPath  string
}

type summary struct {
	RunID     string
	Verdict   string
	Elapsed   time.Duration
	ImageURL  string
	Succeeded int
	BundleURL string
	Machines  []summaryRow
}

func newSummary(report *Report, runErr error) summary {
	res := report.Result
	s := summary{
		RunID:     report.RunID.String(),
		Verdict:   Verdict(runErr),
		Elapsed:   res.Finished.Sub(res.Started),
		ImageURL:  report.ImageURL,
		BundleURL: report.BundleURL,
		Machines:  make([]summaryRow, 0, len(res.Machines)),
	}
	for _, mr := range res.Machines {
		if mr.Outcome == Succeeded {
			s.Succeeded++
		}
		s.Machines = append(s.Machines, summaryRow{
			Key:      mr.Machine.Key(),
			Outcome:  mr.Outcome.String(),
			Status:   mr.Status,
			ExitCode: mr.ExitCode,
			Duration: mr.Duration(),
			LogPath:  mr.LogPath,
		})
	}
	return s
}

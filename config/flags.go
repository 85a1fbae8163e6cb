package config

import (
	"flag"
	"fmt"
	"strconv"
	"strings"
)

// CommaSliceFlag registers a flag parsed as a comma-separated string list.
func CommaSliceFlag(fs *flag.FlagSet, dest *[]string, name string, value []string, usage string) {
	*dest = value
	fs.Func(name, usage, func(s string) error {
		if s == "" {
			*dest = nil
			return nil
		}
		*dest = strings.Split(s, ",")
		return nil
	})
}

// VolumesFlag parses the flex volume list. Format: comma-separated entries
// of `id|mount_path|label` with an optional `|disabled` suffix, e.g.
// `flex-1|/mnt/flex-1|Springfield,flex-2|/mnt/flex-2|Shelbyville|disabled`.
func VolumesFlag(fs *flag.FlagSet, dest *[]Volume, name string, usage string) {
	fs.Func(name, usage, func(s string) error {
		if s == "" {
			return nil
		}
		var volumes []Volume
		for _, raw := range strings.Split(s, ",") {
			parts := strings.Split(raw, "|")
			if len(parts) < 3 {
				return fmt.Errorf("volume entry %q must be id|mount_path|label", raw)
			}
			if !strings.HasPrefix(parts[1], "/") {
				return fmt.Errorf("volume %s mount path %q must be absolute", parts[0], parts[1])
			}
			v := Volume{ID: parts[0], MountPath: parts[1], Label: parts[2], Enabled: true}
			if len(parts) > 3 && parts[3] == "disabled" {
				v.Enabled = false
			}
			volumes = append(volumes, v)
		}
		seen := map[string]bool{}
		for _, v := range volumes {
			if seen[v.ID] {
				return fmt.Errorf("duplicate volume id %s", v.ID)
			}
			seen[v.ID] = true
		}
		*dest = volumes
		return nil
	})
}

// ScheduleEntriesFlag parses schedule entries. Format: comma-separated
// `name|cron|timezone|template|payload` where cron uses `;` in place of
// spaces so it survives the comma/pipe framing, e.g.
// `daily-vod-process-morning|0;4;*;*;*||process-recent-vods|,cleanup|30;3;*;*;*|America/Chicago||`.
// Template defaults to the entry name.
func ScheduleEntriesFlag(fs *flag.FlagSet, dest *[]ScheduleEntry, name string, value []ScheduleEntry, usage string) {
	*dest = value
	fs.Func(name, usage, func(s string) error {
		if s == "" {
			return nil
		}
		var entries []ScheduleEntry
		for _, raw := range strings.Split(s, ",") {
			parts := strings.SplitN(raw, "|", 5)
			if len(parts) < 2 {
				return fmt.Errorf("schedule entry %q must be name|cron[|timezone[|template[|payload]]]", raw)
			}
			e := ScheduleEntry{
				Name: parts[0],
				Cron: strings.ReplaceAll(parts[1], ";", " "),
			}
			if len(parts) > 2 {
				e.Timezone = parts[2]
			}
			if len(parts) > 3 {
				e.Template = parts[3]
			}
			if len(parts) > 4 {
				e.Payload = parts[4]
			}
			if e.Template == "" {
				e.Template = e.Name
			}
			entries = append(entries, e)
		}
		*dest = entries
		return nil
	})
}

// QueuesFlag parses named queue configs. Format: comma-separated
// `name|concurrency|max_queue_depth`, e.g. `vod_processing|2|64,default|4|256`.
func QueuesFlag(fs *flag.FlagSet, dest *[]QueueConfig, name string, value []QueueConfig, usage string) {
	*dest = value
	fs.Func(name, usage, func(s string) error {
		if s == "" {
			return nil
		}
		var queues []QueueConfig
		for _, raw := range strings.Split(s, ",") {
			parts := strings.Split(raw, "|")
			if len(parts) != 3 {
				return fmt.Errorf("queue entry %q must be name|concurrency|max_queue_depth", raw)
			}
			concurrency, err := strconv.Atoi(parts[1])
			if err != nil {
				return fmt.Errorf("queue %s concurrency: %w", parts[0], err)
			}
			depth, err := strconv.Atoi(parts[2])
			if err != nil {
				return fmt.Errorf("queue %s max depth: %w", parts[0], err)
			}
			queues = append(queues, QueueConfig{Name: parts[0], Concurrency: concurrency, MaxQueueDepth: depth})
		}
		*dest = queues
		return nil
	})
}

// DefaultQueues is the minimum queue topology: heavy VOD processing,
// CPU-bound transcription, and a light default lane.
func DefaultQueues() []QueueConfig {
	return []QueueConfig{
		{Name: "vod_processing", Concurrency: 2, MaxQueueDepth: 64},
		{Name: "transcription", Concurrency: 2, MaxQueueDepth: 32},
		{Name: "default", Concurrency: 4, MaxQueueDepth: 256},
	}
}

// DefaultScheduleEntries is the out-of-the-box timetable; operators
// override it entirely via the schedule-entries flag. The morning sweep is
// pinned to UTC; the evening sweep and caption check run in the configured
// civic timezone.
func DefaultScheduleEntries() []ScheduleEntry {
	return []ScheduleEntry{
		{Name: "daily-vod-process-morning", Cron: "0 4 * * *", Timezone: "UTC", Template: "process-recent-vods"},
		{Name: "daily-vod-process-evening", Cron: "0 19 * * *", Template: "process-recent-vods"},
		{Name: "daily-caption-check", Cron: "0 10 * * *", Template: "caption-check"},
		{Name: "cleanup", Cron: "30 3 * * *", Template: "cleanup"},
	}
}

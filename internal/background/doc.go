// Package background revalidates cached data without server push.
//
// Three triggers drive it: a fixed interval (three minutes by default), the
// app returning to the foreground, and connectivity coming back. Tasks pick
// the triggers they respond to. LeaderOnly tasks, such as the version check,
// additionally need the advisory leader lease, so among several instances on
// one substrate usually only one runs them.
//
//	s := background.New(background.WithGate(coordinator))
//	s.Register(background.Task{Name: "refetch", Run: mirrors.RefetchAll})
//	go s.Run(ctx)
//	s.Notify(background.TriggerVisibility)
package background

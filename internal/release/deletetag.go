package release

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/thingos/thingosdci/internal/build"
	"github.com/thingos/thingosdci/internal/reposervice"
	"github.com/thingos/thingosdci/internal/scheduler"
)

// dummyBoard is the placeholder board custom-command builds run under;
// they don't belong to any group and never touch a real board's
// exclusivity slot in any meaningful way.
const dummyBoard = "dummyboard"

// NewDeleteTagFunc returns a reposervice.DeleteTagFunc that removes a
// remote git tag by scheduling an ordinary Custom build through the same
// scheduler/container pipeline as board builds, rather than a special-cased
// code path, so tag deletion reuses the builder image's git credentials.
func NewDeleteTagFunc(sched *scheduler.Scheduler, serviceName string, log *zap.SugaredLogger) reposervice.DeleteTagFunc {
	return func(ctx context.Context, tag string) error {
		done := make(chan int, 1)

		b := build.New(build.Spec{
			Service:       serviceName,
			Type:          build.TypeCustom,
			Board:         dummyBoard,
			CustomCommand: fmt.Sprintf("git push --delete origin %s", tag),
		}, "", nil, log)

		b.AddStateChangeObserver(func(finished *build.Build, s build.State) {
			if s != build.StateEnded {
				return
			}
			code := 0
			if finished.ExitCode != nil {
				code = *finished.ExitCode
			}
			select {
			case done <- code:
			default:
			}
		})

		sched.ScheduleCustom(ctx, b)

		select {
		case code := <-done:
			if code != 0 {
				return fmt.Errorf("git tag deletion for %q exited with code %d", tag, code)
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

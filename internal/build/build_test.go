package build_test

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/thingos/thingosdci/internal/build"
	"github.com/thingos/thingosdci/internal/container"
)

func TestBuild(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Build Suite")
}

type fakeGroup struct {
	events []build.State
}

func (g *fakeGroup) OnMemberStateChange(b *build.Build, s build.State) {
	g.events = append(g.events, s)
}

var _ = Describe("Build lifecycle", func() {
	var (
		group *fakeGroup
		log   *zap.SugaredLogger
	)

	BeforeEach(func() {
		group = &fakeGroup{}
		log = zap.NewNop().Sugar()
	})

	It("computes Pending/Running/Ended from timestamps", func() {
		b := build.New(build.Spec{Service: "github", Type: build.TypeNightly, Board: "rpi"}, "/dev/loop0", group, log)
		Expect(b.State()).To(Equal(build.StatePending))

		c := &container.Container{ID: "c1", Name: "n"}
		Expect(b.SetBegin(c)).To(Succeed())
		Expect(b.State()).To(Equal(build.StateRunning))

		Expect(b.SetEnd(0)).To(Succeed())
		Expect(b.State()).To(Equal(build.StateEnded))

		Expect(group.events).To(Equal([]build.State{build.StateRunning, build.StateEnded}))
	})

	It("rejects a double SetBegin and a double SetEnd", func() {
		b := build.New(build.Spec{Service: "github", Type: build.TypeTag, Board: "rpi"}, "", group, log)
		c := &container.Container{ID: "c1", Name: "n"}

		Expect(b.SetBegin(c)).To(Succeed())
		Expect(b.SetBegin(c)).To(HaveOccurred())

		Expect(b.SetEnd(0)).To(Succeed())
		Expect(b.SetEnd(0)).To(HaveOccurred())
	})

	It("rejects SetEnd before SetBegin", func() {
		b := build.New(build.Spec{Service: "github", Type: build.TypeTag, Board: "rpi"}, "", group, log)
		Expect(b.SetEnd(0)).To(HaveOccurred())
	})

	It("derives the dedup key from the build type's identifier", func() {
		pr := build.New(build.Spec{Service: "github", Type: build.TypePullRequest, Board: "rpi", PRNumber: "42"}, "", group, log)
		Expect(pr.Key()).To(Equal("github/42/rpi"))

		nightly := build.New(build.Spec{Service: "github", Type: build.TypeNightly, Board: "rpi", Branch: "dev"}, "", group, log)
		Expect(nightly.Key()).To(Equal("github/dev/rpi"))

		custom1 := build.New(build.Spec{Service: "github", Type: build.TypeCustom, Board: "custom", CustomCommand: "git push --delete origin v1"}, "", group, log)
		custom2 := build.New(build.Spec{Service: "github", Type: build.TypeCustom, Board: "custom", CustomCommand: "git push --delete origin v2"}, "", group, log)
		Expect(custom1.Key()).NotTo(Equal(custom2.Key()))
	})

	It("loads and groups image files by format on a successful non-custom build, last duplicate wins", func() {
		dir := GinkgoT().TempDir()
		board := "rpi"
		Expect(os.MkdirAll(filepath.Join(dir, board, "images"), 0o755)).To(Succeed())

		listFile := filepath.Join(dir, board, ".image_files")
		Expect(os.WriteFile(listFile, []byte("a.gz\nb.gz\nc.xz\n"), 0o644)).To(Succeed())

		b := build.New(build.Spec{
			Service:      "github",
			Type:         build.TypeNightly,
			Board:        board,
			OutputDir:    dir,
			ImageFormats: []string{".gz", ".xz"},
		}, "", group, log)

		c := &container.Container{ID: "c1", Name: "n"}
		Expect(b.SetBegin(c)).To(Succeed())
		Expect(b.SetEnd(0)).To(Succeed())

		files := b.ImageFiles()
		Expect(files).To(HaveLen(2))
		Expect(files[".gz"]).To(Equal(filepath.Join(dir, board, "images", "b.gz")), "last .gz entry must win")
		Expect(files[".xz"]).To(Equal(filepath.Join(dir, board, "images", "c.xz")))
	})

	It("matches compound image filenames by configured format suffix", func() {
		dir := GinkgoT().TempDir()
		board := "raspberrypi4"
		Expect(os.MkdirAll(filepath.Join(dir, board, "images"), 0o755)).To(Succeed())

		listFile := filepath.Join(dir, board, ".image_files")
		Expect(os.WriteFile(listFile, []byte("thingos-raspberrypi4.img.gz\nthingos-raspberrypi4.img.xz\n"), 0o644)).To(Succeed())

		b := build.New(build.Spec{
			Service:      "github",
			Type:         build.TypeNightly,
			Board:        board,
			OutputDir:    dir,
			ImageFormats: []string{".gz", ".xz"},
		}, "", group, log)

		c := &container.Container{ID: "c1", Name: "n"}
		Expect(b.SetBegin(c)).To(Succeed())
		Expect(b.SetEnd(0)).To(Succeed())

		files := b.ImageFiles()
		Expect(files).To(HaveLen(2))
		Expect(files[".gz"]).To(Equal(filepath.Join(dir, board, "images", "thingos-raspberrypi4.img.gz")))
		Expect(files[".xz"]).To(Equal(filepath.Join(dir, board, "images", "thingos-raspberrypi4.img.xz")))
	})

	It("does not populate image files for a failed build", func() {
		dir := GinkgoT().TempDir()
		b := build.New(build.Spec{Service: "github", Type: build.TypeNightly, Board: "rpi", OutputDir: dir}, "", group, log)
		c := &container.Container{ID: "c1", Name: "n"}
		Expect(b.SetBegin(c)).To(Succeed())
		Expect(b.SetEnd(1)).To(Succeed())
		Expect(b.ImageFiles()).To(BeEmpty())
	})
})

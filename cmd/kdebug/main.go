// Command kdebug runs a small synthetic scheduling scenario and emits
// a pprof profile of it: one sample per task, weighted by how many
// times the stride scheduler fetched it. Grounded on the teacher
// kernel's accnt.go (Accnt_t's Fetch/To_rusage snapshot pattern) for
// what to sample, translated from per-process rusage into per-task
// scheduler activity since this kernel has no wall-clock CPU time to
// attribute.
//
// go tool pprof -top schedule.pprof
package main

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"runtime/pprof"

	"github.com/google/pprof/profile"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"os5k/addr"
	"os5k/kconf"
	"os5k/mm"
	"os5k/pmm"
	"os5k/proc"
	"os5k/sched"
	"os5k/task"
)

var (
	outPath   = flag.String("out", "schedule.pprof", "path to write the domain-sample profile to")
	cpuOut    = flag.String("cpuprofile", "", "optional path to write a real runtime/pprof CPU profile of this run")
	rounds    = flag.Int("rounds", 400, "number of scheduling rounds to run")
	taskCount = flag.Int("tasks", 4, "number of synthetic tasks, each one priority step apart")
)

// demoELF is a minimal one-page loadable image; kdebug only needs
// tasks to exist and be schedulable, not to execute real code.
func demoELF() []byte {
	const ehsize = 64
	const phentsize = 56
	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_RISCV),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     0x1000,
		Phoff:     ehsize,
		Ehsize:    ehsize,
		Phentsize: phentsize,
		Phnum:     1,
	}
	copy(hdr.Ident[:], []byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	ph := elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Off:    ehsize + phentsize,
		Vaddr:  0x1000,
		Paddr:  0x1000,
		Filesz: uint64(kconf.PageSize),
		Memsz:  uint64(kconf.PageSize),
		Align:  uint64(kconf.PageSize),
	}
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, hdr)
	binary.Write(&buf, binary.LittleEndian, ph)
	buf.Write(make([]byte, kconf.PageSize))
	return buf.Bytes()
}

func main() {
	flag.Parse()

	if *cpuOut != "" {
		f, err := os.Create(*cpuOut)
		if err != nil {
			fmt.Fprintln(os.Stderr, "kdebug:", err)
			os.Exit(1)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			fmt.Fprintln(os.Stderr, "kdebug:", err)
			os.Exit(1)
		}
		defer pprof.StopCPUProfile()
	}

	pool := pmm.New(addr.PhysPageNum(0x80000), 4096)
	trampoline := pool.Alloc()
	task.SetKernelSpace(mm.NewKernel(pool, nil, trampoline.PPN()))

	manager := sched.New()
	tasks := make([]*task.TCB, 0, *taskCount)
	fetches := make(map[int]int64)
	for i := 0; i < *taskCount; i++ {
		pid := task.AllocPID()
		t, err := task.New(pool, pid, trampoline.PPN(), demoELF())
		if err != nil {
			fmt.Fprintln(os.Stderr, "kdebug:", err)
			os.Exit(1)
		}
		priority := 2 + i*4
		t.SetPriority(priority)
		manager.Add(t)
		tasks = append(tasks, t)
	}

	for round := 0; round < *rounds && manager.Len() > 0; round++ {
		if !proc.RunOnce(manager) {
			break
		}
		cur, ok := proc.Current()
		if !ok {
			continue
		}
		fetches[cur.Pid]++
		cur.RecordSyscall(round % kconf.MaxSyscallNum)
		proc.SuspendCurrentAndRunNext(manager)
	}

	if err := writeProfile(*outPath, tasks, fetches); err != nil {
		fmt.Fprintln(os.Stderr, "kdebug:", err)
		os.Exit(1)
	}

	printSummary(pool, tasks, fetches)
}

// writeProfile builds a pprof profile with one synthetic function and
// location per task, and one sample per task whose value is how many
// times the scheduler fetched it.
func writeProfile(path string, tasks []*task.TCB, fetches map[int]int64) error {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "schedules", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "schedules", Unit: "count"},
		Period:     1,
	}

	var nextID uint64 = 1
	for _, t := range tasks {
		fn := &profile.Function{
			ID:   nextID,
			Name: fmt.Sprintf("task[pid=%d,priority=%d]", t.Pid, t.Priority()),
		}
		nextID++
		loc := &profile.Location{
			ID:   nextID,
			Line: []profile.Line{{Function: fn}},
		}
		nextID++
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{fetches[t.Pid]},
		})
	}

	if err := p.CheckValid(); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return p.Write(f)
}

func printSummary(pool *pmm.Allocator, tasks []*task.TCB, fetches map[int]int64) {
	pr := message.NewPrinter(language.English)
	pr.Printf("free frames remaining: %v\n", number.Decimal(pool.FreeCount()))
	var total int64
	for _, n := range fetches {
		total += n
	}
	pr.Printf("total schedules: %v\n", number.Decimal(total))
	for _, t := range tasks {
		pr.Printf("  pid=%-4d priority=%-4d pass=%-10d schedules=%v\n",
			t.Pid, t.Priority(), t.Pass(), number.Decimal(fetches[t.Pid]))
	}
}

package stages

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/grailbio/testutil"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/config"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/encoding/fastq"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/fanout"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/notify"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/pipeline"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/runinfo"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/samplesheet"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const runID = "170101_J00182_0001_AHXXXXXXX"

const screenReport = `#Fastq_screen version: 0.11.1
Genome	#Reads_processed	#Unmapped	%Unmapped	#One_hit_one_genome	%One_hit_one_genome
Human	1000	50	5.00	900	90.00
Mouse	1000	980	98.00	20	2.00

%Hit_no_genomes: 3.00
`

const demuxXML = `<Stats><Flowcell flowcell-id="HXXXXXXX">
<Project name="default"><Sample name="all"><Barcode name="all"><Lane number="1"><BarcodeCount>10</BarcodeCount></Lane></Barcode></Sample></Project>
<Project name="all"><Sample name="all"><Barcode name="all"><Lane number="1"><BarcodeCount>100</BarcodeCount></Lane></Barcode></Sample></Project>
</Flowcell></Stats>`

// fakeTools stands in for the external tools, producing the files each of
// them would.
type fakeTools struct {
	t        *testing.T
	groupDir string
	// fail names the inputs whose tool invocation fails.
	fail map[string]bool

	mu    sync.Mutex
	calls map[string]int
}

func newFakeTools(t *testing.T, groupDir string) *fakeTools {
	return &fakeTools{t: t, groupDir: groupDir, fail: map[string]bool{}, calls: map[string]int{}}
}

func (f *fakeTools) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeTools) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int
	for _, c := range f.calls {
		n += c
	}
	return n
}

func args(line string) (words []string, kv map[string]string) {
	kv = map[string]string{}
	for _, w := range strings.Fields(line) {
		words = append(words, w)
		if i := strings.Index(w, "="); i > 0 {
			kv[w[:i]] = w[i+1:]
		}
	}
	return
}

func (f *fakeTools) Run(ctx context.Context, c tools.Command) error {
	f.mu.Lock()
	f.calls[c.Name]++
	f.mu.Unlock()
	words, kv := args(c.Line)
	last := words[len(words)-1]
	if f.fail[last] {
		return fmt.Errorf("%s: exit status 1", c.Name)
	}
	switch c.Name {
	case "bcl2fastq":
		f.demultiplex(ctx)
	case "clumpify":
		return f.clumpify(ctx, kv["in"], kv["in2"], kv["out"])
	case "fastqc":
		var outDir string
		for i, w := range words {
			if w == "-o" {
				outDir = words[i+1]
			}
		}
		base := strings.TrimSuffix(filepath.Base(last), ".fastq.gz")
		return ioutil.WriteFile(filepath.Join(outDir, base+"_fastqc.zip"), []byte("zip"), 0644)
	case "fastq_screen":
		return ioutil.WriteFile(strings.TrimSuffix(last, ".fastq")+"_screen.txt", []byte(screenReport), 0644)
	case "multiqc":
		return ioutil.WriteFile(filepath.Join(c.Dir, MultiQCReport), []byte("<html/>"), 0644)
	}
	return nil
}

func writeReads(t *testing.T, path, mate string, n int) {
	ctx := context.Background()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	out, err := fastq.Create(ctx, path)
	require.NoError(t, err)
	w := fastq.NewWriter(out)
	for i := 0; i < n; i++ {
		require.NoError(t, w.Write(&fastq.Read{
			ID: fmt.Sprintf("@r%d %s:N:0:ACGTACGT", i, mate), Seq: "ACGTACGTAC", Unk: "+", Qual: "FFFFFFFFFF",
		}))
	}
	require.NoError(t, out.Close())
}

func (f *fakeTools) demultiplex(ctx context.Context) {
	for _, s := range []struct{ id, name string }{{"S1", "A"}, {"S2", "B"}} {
		dir := filepath.Join(f.groupDir, "Proj1", s.id)
		writeReads(f.t, filepath.Join(dir, s.name+"_S1_R1_001.fastq.gz"), "1", 20)
		writeReads(f.t, filepath.Join(dir, s.name+"_S1_R2_001.fastq.gz"), "2", 20)
	}
	writeReads(f.t, filepath.Join(f.groupDir, "Undetermined_S0_R1_001.fastq.gz"), "1", 2)
	require.NoError(f.t, os.MkdirAll(filepath.Join(f.groupDir, "Stats"), 0755))
	require.NoError(f.t, os.MkdirAll(filepath.Join(f.groupDir, "Reports"), 0755))
	require.NoError(f.t, ioutil.WriteFile(filepath.Join(f.groupDir, demuxStats), []byte(demuxXML), 0644))
}

// clumpify interleaves its input and marks every fourth pair as an optical
// duplicate.
func (f *fakeTools) clumpify(ctx context.Context, in1, in2, out string) error {
	r1, err := fastq.Open(ctx, in1)
	if err != nil {
		return err
	}
	defer r1.Close()
	r2, err := fastq.Open(ctx, in2)
	if err != nil {
		return err
	}
	defer r2.Close()
	o, err := fastq.Create(ctx, out)
	if err != nil {
		return err
	}
	w := fastq.NewWriter(o)
	sc := fastq.NewPairScanner(r1, r2, fastq.All)
	var a, b fastq.Read
	for i := 0; sc.Scan(&a, &b); i++ {
		if i%4 == 0 {
			a.ID += fastq.DuplicateTag
		}
		if err := w.Write(&a); err != nil {
			return err
		}
		if err := w.Write(&b); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return o.Close()
}

type recorder struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (r *recorder) Notify(ctx context.Context, m notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return nil
}

type fixture struct {
	env   Env
	unit  Unit
	tools *fakeTools
	notes *recorder
	seq   string
}

func newFixture(t *testing.T, dir string) fixture {
	base, out, seq := filepath.Join(dir, "runs"), filepath.Join(dir, "out"), filepath.Join(dir, "seqfac")
	require.NoError(t, os.MkdirAll(filepath.Join(base, runID, "InterOp"), 0755))
	require.NoError(t, os.MkdirAll(out, 0755))
	require.NoError(t, ioutil.WriteFile(filepath.Join(base, runID, "RunInfo.xml"), []byte("<RunInfo/>"), 0644))
	require.NoError(t, ioutil.WriteFile(filepath.Join(base, runID, "InterOp", "QMetricsOut.bin"), []byte("q"), 0644))
	c := config.New(map[string]map[string]string{
		"Paths":   {"baseDir": base, "outputDir": out, "seqFacDir": seq},
		"Options": {"postMakeThreads": "3"},
		"Publish": {"lims_command": "lims-update"},
	})
	opts, err := c.Options()
	require.NoError(t, err)

	sheet, err := samplesheet.Parse(strings.NewReader(
		"[Data]\nSample_ID,Sample_Name,index,Sample_Project\nS1,A,ACGTACGT,Proj1\nS2,B,TTGGCCAA,Proj1\n"), "SampleSheet.csv")
	require.NoError(t, err)
	groups, err := samplesheet.Resolver{SingleLaneThreshold: 2}.Group([]*samplesheet.Sheet{sheet}, 1, "HiSeq3000")
	require.NoError(t, err)
	id, err := runinfo.ParseID(runID)
	require.NoError(t, err)
	u := Unit{
		Run: runinfo.Run{
			ID:        id,
			Dir:       filepath.Join(base, runID),
			OutputDir: out,
			Info: runinfo.Info{
				RunID:  runID,
				Reads:  runinfo.ReadStructure{{Number: 1, NumCycles: 10, Indexed: false}, {Number: 2, NumCycles: 8, Indexed: true}, {Number: 3, NumCycles: 10, Indexed: false}},
				Layout: runinfo.Layout{LaneCount: 1},
			},
		},
		Group: groups[0],
	}
	ft := newFakeTools(t, u.Dir())
	notes := &recorder{}
	return fixture{
		env:   Env{Config: c, Options: opts, Runner: ft, Notifier: notes},
		unit:  u,
		tools: ft,
		notes: notes,
		seq:   seq,
	}
}

func exists(t *testing.T, path string) bool {
	_, err := os.Stat(path)
	if err != nil && !os.IsNotExist(err) {
		t.Fatal(err)
	}
	return err == nil
}

func TestPipeline(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	f := newFixture(t, dir)
	gdir := f.unit.Dir()

	state, err := f.env.Orchestrator(f.unit).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, pipeline.Published, state)

	sample := filepath.Join(gdir, "Project_Proj1", "Sample_S1")
	for _, path := range []string{
		filepath.Join(gdir, SheetFile),
		filepath.Join(gdir, "RunInfo.xml"),
		filepath.Join(gdir, "InterOp", "QMetricsOut.bin"),
		filepath.Join(sample, "A_R1.fastq.gz"),
		filepath.Join(sample, "A_R2.fastq.gz"),
		filepath.Join(sample, "A_R1_optical_duplicates.fastq.gz"),
		filepath.Join(sample, "A.duplicate.txt"),
		filepath.Join(sample, "A_R1_screen.txt"),
		filepath.Join(gdir, "FASTQC_Project_Proj1", "Sample_S1", "A_R1_fastqc.zip"),
		filepath.Join(gdir, "FASTQC_Project_Proj1", "Sample_S2", "B_R2_fastqc.zip"),
		filepath.Join(gdir, "Project_Proj1", Md5File),
		filepath.Join(gdir, "Project_Proj1", MultiQCReport),
		filepath.Join(gdir, pipeline.PublishedMarker),
		filepath.Join(gdir, Dedup+".done"),
		filepath.Join(f.seq, runID, SummaryFile),
		filepath.Join(f.seq, runID, "Project_Proj1_multiqc.html"),
	} {
		assert.True(t, exists(t, path), path)
	}
	// Optical duplicates are not quality-checked.
	assert.False(t, exists(t, filepath.Join(gdir, "FASTQC_Project_Proj1", "Sample_S1", "A_R1_optical_duplicates_fastqc.zip")))
	assert.False(t, exists(t, filepath.Join(sample, "A"+clumpifySuffix)))
	assert.False(t, exists(t, filepath.Join(sample, "A_R1.subsample.fastq")))
	assert.Equal(t, 4, f.tools.count("fastqc"))
	assert.Equal(t, 2, f.tools.count("clumpify"))
	assert.Equal(t, 1, f.tools.count("lims"))

	stats, err := fastq.ReadStats(ctx, filepath.Join(sample, "A.duplicate.txt"))
	require.NoError(t, err)
	assert.Equal(t, fastq.DuplicateStats{Duplicates: 5, Total: 20}, stats)

	md5s, err := ioutil.ReadFile(filepath.Join(gdir, "Project_Proj1", Md5File))
	require.NoError(t, err)
	assert.Equal(t, 8, strings.Count(string(md5s), "\n"))
	assert.Contains(t, string(md5s), "  Sample_S1/A_R1.fastq.gz\n")

	summary, err := ioutil.ReadFile(filepath.Join(gdir, SummaryFile))
	require.NoError(t, err)
	assert.Contains(t, string(summary), "Lane 1: 10 of 100 reads/pairs had undetermined indices (10.00%)")
	assert.Contains(t, string(summary), "Project_Proj1\tA_R1\t 2.00\t25.00%")

	require.Len(t, f.notes.msgs, 1)
	assert.Equal(t, notify.Finished, f.notes.msgs[0].Kind)
	assert.Contains(t, f.notes.msgs[0].Body, string(summary))

	// A second invocation finds the group published and runs nothing.
	again := newFakeTools(t, gdir)
	f.env.Runner = again
	state, err = f.env.Orchestrator(f.unit).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, pipeline.Published, state)
	assert.Equal(t, 0, again.total())
}

func TestFanOutResume(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	f := newFixture(t, dir)
	gdir := f.unit.Dir()
	bad := filepath.Join(gdir, "Project_Proj1", "Sample_S2", "B_R1.fastq.gz")
	f.tools.fail[bad] = true

	state, err := f.env.Orchestrator(f.unit).Run(ctx)
	require.Error(t, err)
	assert.Equal(t, pipeline.Failed, state)
	assert.True(t, exists(t, filepath.Join(gdir, Dedup+".done")))
	assert.False(t, exists(t, filepath.Join(gdir, FastQC+".done")))
	assert.False(t, exists(t, filepath.Join(gdir, pipeline.FanOut+".done")))
	assert.Equal(t, 4, f.tools.count("fastqc"))
	require.Len(t, f.notes.msgs, 1)
	assert.Equal(t, notify.Failure, f.notes.msgs[0].Kind)

	// The next invocation resumes with the failed file only.
	retry := newFakeTools(t, gdir)
	f.env.Runner = retry
	state, err = f.env.Orchestrator(f.unit).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, pipeline.Published, state)
	assert.Equal(t, 0, retry.count("bcl2fastq"))
	assert.Equal(t, 0, retry.count("clumpify"))
	assert.Equal(t, 1, retry.count("fastqc"))
	assert.Equal(t, 2, retry.count("fastq_screen"))
}

func TestFileName(t *testing.T) {
	for _, test := range []struct{ in, want string }{
		{"A_S1_R1_001.fastq.gz", "A_R1.fastq.gz"},
		{"A_S12_L002_I1_001.fastq.gz", "A_L002_I1.fastq.gz"},
		{"Sample_S2_S2_R2_001.fastq.gz", "Sample_S2_R2.fastq.gz"},
		{"A_R1.fastq.gz", "A_R1.fastq.gz"},
		{"Undetermined_S0_R1_001.fastq.gz", "Undetermined_S0_R1_001.fastq.gz"},
	} {
		assert.Equal(t, test.want, FileName(test.in), test.in)
		assert.Equal(t, test.want, FileName(FileName(test.in)), test.in)
	}
}

func TestRename(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	writeReads(t, filepath.Join(dir, "P", "S1", "A_S1_R1_001.fastq.gz"), "1", 1)
	writeReads(t, filepath.Join(dir, "P", "B_S2_R1_001.fastq.gz"), "1", 1)
	writeReads(t, filepath.Join(dir, "Project_Q", "Sample_X", "X_R1.fastq.gz"), "1", 1)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "Reports", "html"), 0755))

	for i := 0; i < 2; i++ {
		require.NoError(t, Rename(ctx, dir))
		assert.True(t, exists(t, filepath.Join(dir, "Project_P", "Sample_S1", "A_R1.fastq.gz")))
		assert.True(t, exists(t, filepath.Join(dir, "Project_P", "Sample_B", "B_R1.fastq.gz")))
		assert.True(t, exists(t, filepath.Join(dir, "Project_Q", "Sample_X", "X_R1.fastq.gz")))
		assert.True(t, exists(t, filepath.Join(dir, "Reports", "html")))
		assert.False(t, exists(t, filepath.Join(dir, "P")))
	}
}

func TestDeduplicated(t *testing.T) {
	assert.True(t, Deduplicated(runinfo.HiSeq3000))
	assert.True(t, Deduplicated(runinfo.NovaSeq))
	assert.True(t, Deduplicated(runinfo.NextSeq))
	assert.False(t, Deduplicated(runinfo.MiSeq))
	assert.False(t, Deduplicated(runinfo.HiSeq2500))
}

func TestWriteChecksumsUnreadable(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	sample := filepath.Join(dir, "Project_P", "Sample_A")
	require.NoError(t, os.MkdirAll(sample, 0755))
	require.NoError(t, ioutil.WriteFile(filepath.Join(sample, "A_R1.fastq.gz"), []byte("reads"), 0644))
	require.NoError(t, os.Symlink(filepath.Join(dir, "missing"), filepath.Join(sample, "A_R2.fastq.gz")))

	project := filepath.Join(dir, "Project_P")
	md5 := filepath.Join(project, Md5File)
	require.Error(t, WriteChecksums(ctx, project))
	assert.False(t, exists(t, md5))
	assert.False(t, fanout.Complete(ctx, fanout.Task{Outputs: []string{md5}}))

	require.NoError(t, os.Remove(filepath.Join(sample, "A_R2.fastq.gz")))
	require.NoError(t, WriteChecksums(ctx, project))
	data, err := ioutil.ReadFile(md5)
	require.NoError(t, err)
	assert.Equal(t, "0fb9cf5f04f61bb6f1151da57ceb1ca1  Sample_A/A_R1.fastq.gz\n", string(data))
}

func TestCopyTree(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	src, dst := filepath.Join(dir, "InterOp"), filepath.Join(dir, "out", "InterOp")
	var names []string
	for i := 0; i < 3*copyWorkers; i++ {
		name := filepath.Join(fmt.Sprintf("C%d.1", i%5), fmt.Sprintf("m%02d.bin", i))
		require.NoError(t, os.MkdirAll(filepath.Join(src, filepath.Dir(name)), 0755))
		require.NoError(t, ioutil.WriteFile(filepath.Join(src, name), []byte(name), 0644))
		names = append(names, name)
	}
	require.NoError(t, copyIfExists(ctx, src, dst))
	for _, name := range names {
		data, err := ioutil.ReadFile(filepath.Join(dst, name))
		require.NoError(t, err)
		assert.Equal(t, name, string(data))
	}

	// One unreadable file fails the copy.
	require.NoError(t, os.Symlink(filepath.Join(dir, "missing"), filepath.Join(src, "broken.bin")))
	assert.Error(t, copyTree(ctx, src, filepath.Join(dir, "again")))
}

// Package dbtest provides the specs that every ReportDBBackend must pass
package dbtest

import (
	"context"
	"errors"

	"github.com/airbusgeo/s2-gapfill/common"
	db "github.com/airbusgeo/s2-gapfill/interface/database"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func unit(run string, id int, status common.Status) db.UnitReport {
	return db.UnitReport{
		Unit:   common.Unit{ID: id, Run: run, Zone: "north", Tile: "T36LXP"},
		Type:   common.ResultTypeStack,
		Name:   "B8",
		Status: status,
	}
}

// DescribeBackend describes the behaviour of a ReportDBBackend.
// newBackend is called before each spec and must return an empty database.
func DescribeBackend(name string, newBackend func() db.ReportDBBackend) bool {
	return Describe(name, func() {
		var (
			ctx     = context.Background()
			backend db.ReportDBBackend
			err     error
		)

		BeforeEach(func() {
			backend = newBackend()
		})

		Describe("CreateRun", func() {
			It("should create the run once", func() {
				Expect(backend.CreateRun(ctx, "run1")).To(Succeed())
				err = backend.CreateRun(ctx, "run1")
				Expect(errors.As(err, &db.ErrAlreadyExists{})).To(BeTrue())
			})

			It("should list the runs fitting the pattern", func() {
				Expect(backend.CreateRun(ctx, "malawi_2021")).To(Succeed())
				Expect(backend.CreateRun(ctx, "malawi_2022")).To(Succeed())
				Expect(backend.CreateRun(ctx, "zambia_2021")).To(Succeed())
				runs, err := backend.Runs(ctx, "malawi*")
				Expect(err).NotTo(HaveOccurred())
				Expect(runs).To(HaveLen(2))
				Expect(runs[0].ID).To(Equal("malawi_2021"))
				runs, err = backend.Runs(ctx, "")
				Expect(err).NotTo(HaveOccurred())
				Expect(runs).To(HaveLen(3))
			})
		})

		Describe("SaveUnit", func() {
			BeforeEach(func() {
				Expect(backend.CreateRun(ctx, "run1")).To(Succeed())
			})

			It("should fail if the run does not exist", func() {
				err = backend.SaveUnit(ctx, unit("unknown", 1, common.StatusDONE))
				Expect(errors.As(err, &db.ErrNotFound{})).To(BeTrue())
			})

			It("should update an existing unit", func() {
				Expect(backend.SaveUnit(ctx, unit("run1", 1, common.StatusPENDING))).To(Succeed())
				u := unit("run1", 1, common.StatusINCOMPLETE)
				u.Message = "3 values could not be filled"
				u.Stats = &common.GapStats{Values: 12, Missing: 5, Filled: 2, EdgeMissing: 3, Remaining: 3}
				Expect(backend.SaveUnit(ctx, u)).To(Succeed())

				saved, err := backend.Unit(ctx, "run1", common.ResultTypeStack, 1)
				Expect(err).NotTo(HaveOccurred())
				Expect(saved.Status).To(Equal(common.StatusINCOMPLETE))
				Expect(saved.Message).To(Equal(u.Message))
				Expect(saved.Stats).NotTo(BeNil())
				Expect(*saved.Stats).To(Equal(*u.Stats))

				units, err := backend.Units(ctx, "run1", "", 0, 0)
				Expect(err).NotTo(HaveOccurred())
				Expect(units).To(HaveLen(1))
			})

			It("should return ErrNotFound for an unknown unit", func() {
				_, err = backend.Unit(ctx, "run1", common.ResultTypeScene, 42)
				Expect(errors.As(err, &db.ErrNotFound{})).To(BeTrue())
			})
		})

		Describe("Units", func() {
			BeforeEach(func() {
				Expect(backend.CreateRun(ctx, "run1")).To(Succeed())
				for i, s := range []common.Status{common.StatusDONE, common.StatusFAILED, common.StatusDONE, common.StatusINCOMPLETE, common.StatusDONE} {
					Expect(backend.SaveUnit(ctx, unit("run1", i, s))).To(Succeed())
				}
			})

			It("should filter by status", func() {
				units, err := backend.Units(ctx, "run1", common.StatusDONE.String(), 0, 0)
				Expect(err).NotTo(HaveOccurred())
				Expect(units).To(HaveLen(3))
				for _, u := range units {
					Expect(u.Status).To(Equal(common.StatusDONE))
				}
			})

			It("should paginate", func() {
				units, err := backend.Units(ctx, "run1", "", 1, 2)
				Expect(err).NotTo(HaveOccurred())
				Expect(units).To(HaveLen(2))
				Expect(units[0].ID).To(Equal(2))
				units, err = backend.Units(ctx, "run1", "", 2, 2)
				Expect(err).NotTo(HaveOccurred())
				Expect(units).To(HaveLen(1))
			})

			It("should count the status of the run", func() {
				status, err := backend.RunStatus(ctx, "run1")
				Expect(err).NotTo(HaveOccurred())
				Expect(status).To(Equal(db.Status{Done: 3, Failed: 1, Incomplete: 1}))
				Expect(status.Overall()).To(Equal(common.StatusFAILED))
				runs, err := backend.Runs(ctx, "run1")
				Expect(err).NotTo(HaveOccurred())
				Expect(runs).To(HaveLen(1))
				Expect(runs[0].Status).To(Equal(common.StatusFAILED))
			})

			It("should delete the run and its units", func() {
				Expect(backend.DeleteRun(ctx, "run1")).To(Succeed())
				_, err = backend.RunStatus(ctx, "run1")
				Expect(errors.As(err, &db.ErrNotFound{})).To(BeTrue())
			})
		})

		Describe("UnitOfWork", func() {
			It("should rollback on error", func() {
				err = db.UnitOfWork(ctx, backend, func(tx db.ReportTxBackend) error {
					if err := tx.CreateRun(ctx, "run2"); err != nil {
						return err
					}
					return errors.New("abort")
				})
				Expect(err).To(HaveOccurred())
				_, err = backend.RunStatus(ctx, "run2")
				Expect(errors.As(err, &db.ErrNotFound{})).To(BeTrue())
			})

			It("should commit on success", func() {
				Expect(db.UnitOfWork(ctx, backend, func(tx db.ReportTxBackend) error {
					if err := tx.CreateRun(ctx, "run2"); err != nil {
						return err
					}
					return tx.SaveUnit(ctx, unit("run2", 1, common.StatusDONE))
				})).To(Succeed())
				status, err := backend.RunStatus(ctx, "run2")
				Expect(err).NotTo(HaveOccurred())
				Expect(status.Done).To(BeEquivalentTo(1))
			})
		})
	})
}

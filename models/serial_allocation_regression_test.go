package models_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/battery_backend/config"
	"bitbucket.org/mmdatafocus/battery_backend/models"
	"bitbucket.org/mmdatafocus/battery_backend/utils"
	"github.com/shopspring/decimal"
)

func TestSerialAllocationAndReplacementLifecycle(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	// Wire env for config.Connect* helpers.
	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "battery_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	businessID := "biz-serial-alloc"
	ctx = utils.SetBusinessIdInContext(ctx, businessID)
	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Test")
	ctx = utils.SetUsernameInContext(ctx, "test@local")

	customer, err := models.CreateCustomer(ctx, &models.NewCustomer{Name: "Counter Customer"})
	if err != nil {
		t.Fatalf("CreateCustomer: %v", err)
	}

	product, err := models.CreateProduct(ctx, &models.NewProduct{
		Name:         "Tall Tubular 150Ah",
		Sku:          "TT-150",
		WarrantyCode: "12F+12P",
		Mrp:          decimal.NewFromInt(1000),
		IsSerialized: utils.NewTrue(),
	})
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}

	units, err := models.AddStockUnits(ctx, product.ID, &models.NewStockUnits{
		SerialNumbers: []string{"SN-001", "SN-002", "SN-003", "SN-100", "SN-101"},
	})
	if err != nil {
		t.Fatalf("AddStockUnits: %v", err)
	}
	if len(units) != 5 {
		t.Fatalf("expected 5 stock units, got %d", len(units))
	}

	// A serialized sale starts as placeholder lines and stays open.
	order, err := models.CreateSaleOrder(ctx, &models.NewSaleOrder{
		CustomerId: customer.ID,
		Lines:      []*models.NewSaleOrderLine{{ProductId: product.ID, Qty: 2}},
	})
	if err != nil {
		t.Fatalf("CreateSaleOrder: %v", err)
	}
	if order.IsCompleted == nil || *order.IsCompleted {
		t.Fatalf("order with pending serialized lines should not be completed")
	}
	if len(order.Details) != 2 {
		t.Fatalf("expected one line per physical unit, got %d", len(order.Details))
	}
	if order.TotalAmount.Cmp(decimal.NewFromInt(2000)) != 0 {
		t.Fatalf("order total = %s; want 2000", order.TotalAmount)
	}
	firstLineID := order.Details[0].ID
	secondLineID := order.Details[1].ID

	// Binding one of two serials leaves the order open. The price was
	// renegotiated at pickup, so the binding carries the final amount.
	renegotiated := decimal.NewFromInt(950)
	order, err = models.AssignSerials(ctx, order.ID, &models.AssignSerialsInput{
		Assignments: []*models.SerialAssignment{
			{LineId: firstLineID, SerialNumber: "SN-001", FinalAmount: &renegotiated},
		},
	})
	if err != nil {
		t.Fatalf("AssignSerials(first): %v", err)
	}
	if *order.IsCompleted {
		t.Fatalf("order should stay open with one placeholder left")
	}

	// The renegotiated price lands on the line and rolls up into the order.
	var boundLine *models.SaleOrderDetail
	for _, detail := range order.Details {
		if detail.ID == firstLineID {
			boundLine = detail
		}
	}
	if boundLine == nil {
		t.Fatalf("bound line %d missing from reloaded order", firstLineID)
	}
	if boundLine.FinalAmount.Cmp(decimal.NewFromInt(950)) != 0 {
		t.Fatalf("line final amount = %s; want 950", boundLine.FinalAmount)
	}
	if boundLine.DiscountAmount.Cmp(decimal.NewFromInt(50)) != 0 {
		t.Fatalf("line discount = %s; want 50", boundLine.DiscountAmount)
	}
	if order.TotalAmount.Cmp(decimal.NewFromInt(1950)) != 0 {
		t.Fatalf("order total after renegotiation = %s; want 1950", order.TotalAmount)
	}

	// A consumed serial cannot be bound again, even to a different line.
	_, err = models.AssignSerials(ctx, order.ID, &models.AssignSerialsInput{
		Assignments: []*models.SerialAssignment{
			{LineId: secondLineID, SerialNumber: "SN-001"},
		},
	})
	if err == nil {
		t.Fatalf("binding an already-consumed serial should fail")
	}
	if utils.KindOf(err) != utils.ErrorKindConflict {
		t.Fatalf("expected conflict for re-used serial, got %s: %v", utils.KindOf(err), err)
	}

	// Binding the last placeholder completes the order and queues a
	// customer notification in the outbox.
	order, err = models.AssignSerials(ctx, order.ID, &models.AssignSerialsInput{
		Assignments: []*models.SerialAssignment{
			{LineId: secondLineID, SerialNumber: "SN-002"},
		},
	})
	if err != nil {
		t.Fatalf("AssignSerials(last): %v", err)
	}
	if order.IsCompleted == nil || !*order.IsCompleted || order.CompletedAt == nil {
		t.Fatalf("order should be completed after the last binding: %+v", order)
	}

	// Re-submitting an identical binding is not a quiet no-op: bound lines
	// are immutable and every rebind attempt conflicts.
	_, err = models.AssignSerials(ctx, order.ID, &models.AssignSerialsInput{
		Assignments: []*models.SerialAssignment{
			{LineId: secondLineID, SerialNumber: "SN-002"},
		},
	})
	if err == nil {
		t.Fatalf("re-submitting an identical binding should fail")
	}
	if utils.KindOf(err) != utils.ErrorKindConflict {
		t.Fatalf("expected conflict for repeated binding, got %s: %v", utils.KindOf(err), err)
	}

	db := config.GetDB()
	var readyCount int64
	if err := db.WithContext(ctx).Model(&models.NotificationRecord{}).
		Where("business_id = ? AND kind = ?", businessID, models.NotificationKindOrderReady).
		Count(&readyCount).Error; err != nil {
		t.Fatalf("count order-ready notifications: %v", err)
	}
	if readyCount != 1 {
		t.Fatalf("expected exactly one order-ready notification, got %d", readyCount)
	}

	reloaded, err := models.GetProduct(ctx, product.ID)
	if err != nil {
		t.Fatalf("GetProduct: %v", err)
	}
	if reloaded.QuantityOnHand != 3 {
		t.Fatalf("on-hand after two bindings = %d; want 3", reloaded.QuantityOnHand)
	}

	// Backdated sale 14 months ago: past the 12-month guarantee, 2 months
	// into the pro-rata band.
	backdated := time.Now().AddDate(0, -14, 0)
	oldOrder, err := models.CreateSaleOrder(ctx, &models.NewSaleOrder{
		CustomerId: customer.ID,
		OrderDate:  &backdated,
		Lines:      []*models.NewSaleOrderLine{{ProductId: product.ID, Qty: 1}},
	})
	if err != nil {
		t.Fatalf("CreateSaleOrder(backdated): %v", err)
	}
	oldOrder, err = models.AssignSerials(ctx, oldOrder.ID, &models.AssignSerialsInput{
		Assignments: []*models.SerialAssignment{
			{LineId: oldOrder.Details[0].ID, SerialNumber: "SN-003"},
		},
	})
	if err != nil {
		t.Fatalf("AssignSerials(backdated): %v", err)
	}

	slab, err := models.CreateWarrantySlab(ctx, &models.NewWarrantySlab{
		MinMonths:       0,
		MaxMonths:       intPtrTest(6),
		DiscountPercent: decimal.NewFromInt(15),
	})
	if err != nil {
		t.Fatalf("CreateWarrantySlab: %v", err)
	}

	status, err := models.CheckBatteryStatus(ctx, "SN-003")
	if err != nil {
		t.Fatalf("CheckBatteryStatus: %v", err)
	}
	if !status.Eligibility.Covered || status.Eligibility.ReplacementType != models.ReplacementTypeWarranty {
		t.Fatalf("expected warranty coverage, got %+v", status.Eligibility)
	}
	if status.Eligibility.MonthsPastGuarantee != 2 {
		t.Fatalf("months past guarantee = %d; want 2", status.Eligibility.MonthsPastGuarantee)
	}
	if status.DiscountSlab == nil || status.DiscountSlab.DiscountPercent.Cmp(decimal.NewFromInt(15)) != 0 {
		t.Fatalf("expected the 15%% slab, got %+v", status.DiscountSlab)
	}

	// Claiming a free swap on a battery already in the pro-rata band is
	// rejected: the claim type is derived from the dates, never taken on faith.
	_, err = models.Replace(ctx, &models.NewReplacement{
		SerialNumber:    "SN-003",
		NewProductId:    product.ID,
		NewSerialNumber: "SN-100",
		Type:            models.ReplacementTypeGuarantee,
	})
	if err == nil {
		t.Fatalf("guarantee claim on a warranty-band battery should fail")
	}
	if utils.KindOf(err) != utils.ErrorKindInconsistency {
		t.Fatalf("expected inconsistency for mismatched claim type, got %s: %v", utils.KindOf(err), err)
	}

	// A warranty claim without an operator-picked slab is rejected; there is
	// no silent zero-discount fallback.
	_, err = models.Replace(ctx, &models.NewReplacement{
		SerialNumber:    "SN-003",
		NewProductId:    product.ID,
		NewSerialNumber: "SN-100",
		Type:            models.ReplacementTypeWarranty,
	})
	if err == nil {
		t.Fatalf("warranty replacement without a slab should fail")
	}
	if utils.KindOf(err) != utils.ErrorKindValidation {
		t.Fatalf("expected validation error for missing slab, got %s: %v", utils.KindOf(err), err)
	}

	// An inactive slab can't price a claim either.
	dormant, err := models.CreateWarrantySlab(ctx, &models.NewWarrantySlab{
		MinMonths:       7,
		MaxMonths:       intPtrTest(12),
		DiscountPercent: decimal.NewFromInt(30),
	})
	if err != nil {
		t.Fatalf("CreateWarrantySlab(dormant): %v", err)
	}
	if _, err := models.ToggleActiveWarrantySlab(ctx, dormant.ID, false); err != nil {
		t.Fatalf("ToggleActiveWarrantySlab: %v", err)
	}
	_, err = models.Replace(ctx, &models.NewReplacement{
		SerialNumber:    "SN-003",
		NewProductId:    product.ID,
		NewSerialNumber: "SN-100",
		Type:            models.ReplacementTypeWarranty,
		SlabId:          &dormant.ID,
	})
	if err == nil {
		t.Fatalf("warranty replacement with an inactive slab should fail")
	}
	if utils.KindOf(err) != utils.ErrorKindValidation {
		t.Fatalf("expected validation error for inactive slab, got %s: %v", utils.KindOf(err), err)
	}

	// Pro-rata replacement: 15% off MRP 1000 -> customer pays 850.
	record, err := models.Replace(ctx, &models.NewReplacement{
		SerialNumber:    "SN-003",
		NewProductId:    product.ID,
		NewSerialNumber: "SN-100",
		Type:            models.ReplacementTypeWarranty,
		SlabId:          &slab.ID,
	})
	if err != nil {
		t.Fatalf("Replace(warranty): %v", err)
	}
	if record.Type != models.ReplacementTypeWarranty {
		t.Fatalf("replacement type = %s; want W", record.Type)
	}
	if record.NewSaleOrderId == 0 || record.NewSaleLineId == 0 {
		t.Fatalf("warranty replacement should bill on a fresh sale order, got %+v", record)
	}
	if record.DiscountPercent.Cmp(decimal.NewFromInt(15)) != 0 {
		t.Fatalf("discount percent = %s; want 15", record.DiscountPercent)
	}
	if record.FinalAmount.Cmp(decimal.NewFromInt(850)) != 0 {
		t.Fatalf("final amount = %s; want 850", record.FinalAmount)
	}
	if record.DiscountAmount.Cmp(decimal.NewFromInt(150)) != 0 {
		t.Fatalf("discount amount = %s; want 150", record.DiscountAmount)
	}
	expectedGst := decimal.NewFromInt(1000).Mul(decimal.NewFromInt(18)).DivRound(decimal.NewFromInt(118), 4)
	if record.GstAmount.Cmp(expectedGst) != 0 {
		t.Fatalf("gst amount = %s; want %s", record.GstAmount, expectedGst)
	}

	// Double-replacement barrier: the same original serial can never be
	// replaced twice.
	_, err = models.Replace(ctx, &models.NewReplacement{
		SerialNumber:    "SN-003",
		NewProductId:    product.ID,
		NewSerialNumber: "SN-101",
		Type:            models.ReplacementTypeWarranty,
		SlabId:          &slab.ID,
	})
	if err == nil {
		t.Fatalf("second replacement of the same serial should fail")
	}
	if utils.KindOf(err) != utils.ErrorKindConflict {
		t.Fatalf("expected conflict for repeated replacement, got %s: %v", utils.KindOf(err), err)
	}

	// Guarantee replacement (sold just now, well inside the free window)
	// costs the customer nothing and raises no invoice: the barrier record
	// alone documents the swap.
	record, err = models.Replace(ctx, &models.NewReplacement{
		SerialNumber:    "SN-001",
		NewProductId:    product.ID,
		NewSerialNumber: "SN-101",
		Type:            models.ReplacementTypeGuarantee,
	})
	if err != nil {
		t.Fatalf("Replace(guarantee): %v", err)
	}
	if record.Type != models.ReplacementTypeGuarantee {
		t.Fatalf("replacement type = %s; want G", record.Type)
	}
	if !record.FinalAmount.IsZero() {
		t.Fatalf("guarantee replacement final amount = %s; want 0", record.FinalAmount)
	}
	if !record.DiscountPercent.IsZero() || !record.DiscountAmount.IsZero() {
		t.Fatalf("guarantee replacement should carry no discount, got pct=%s amount=%s",
			record.DiscountPercent, record.DiscountAmount)
	}
	if record.NewSaleOrderId != 0 || record.NewSaleLineId != 0 {
		t.Fatalf("guarantee replacement should not create a sale order, got %+v", record)
	}

	// The issued unit is consumed by the replacement record itself.
	var issuedUnit models.StockUnit
	if err := db.WithContext(ctx).
		Where("business_id = ? AND product_id = ? AND serial_number = ?", businessID, product.ID, "SN-101").
		First(&issuedUnit).Error; err != nil {
		t.Fatalf("load issued stock unit: %v", err)
	}
	if issuedUnit.Status != models.StockUnitStatusConsumed {
		t.Fatalf("issued unit status = %s; want consumed", issuedUnit.Status)
	}
	if issuedUnit.ConsumerType == nil || *issuedUnit.ConsumerType != models.StockConsumerTypeReplacement ||
		issuedUnit.ConsumerId == nil || *issuedUnit.ConsumerId != record.ID {
		t.Fatalf("issued unit should reference replacement %d, got %+v", record.ID, issuedUnit)
	}

	var doneCount int64
	if err := db.WithContext(ctx).Model(&models.NotificationRecord{}).
		Where("business_id = ? AND kind = ?", businessID, models.NotificationKindReplacementDone).
		Count(&doneCount).Error; err != nil {
		t.Fatalf("count replacement-done notifications: %v", err)
	}
	if doneCount != 2 {
		t.Fatalf("expected two replacement-done notifications, got %d", doneCount)
	}
}

func intPtrTest(v int) *int { return &v }

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("battery-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("battery-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=battery_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
